package filter

// Outcome is one of the closed set of tokens a filter kind's runner may
// return (spec §4.4). Kinds may additionally declare their own aliases via
// RegisterAlias (e.g. the greylist kind's "whitelist"/"greylist").
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFail
	OutcomePass
	OutcomeMatch
	OutcomeSoftMatch
	OutcomeHardMatch
	OutcomeSoftMatchStart
	OutcomeHardMatchStart
	OutcomeNeutral
	OutcomeTempError
	OutcomePermError
	OutcomeSoftFail
	OutcomeError
	OutcomeAbort
	OutcomeWhitelist
	OutcomeGreylist
	OutcomeTimeout
	OutcomeTrue
	OutcomeFalse
	outcomeFirstAlias // kind-specific aliases start here
)

var builtinNames = map[Outcome]string{
	OutcomeNone:           "none",
	OutcomeFail:           "fail",
	OutcomePass:           "pass",
	OutcomeMatch:          "match",
	OutcomeSoftMatch:      "soft_match",
	OutcomeHardMatch:      "hard_match",
	OutcomeSoftMatchStart: "soft_match_start",
	OutcomeHardMatchStart: "hard_match_start",
	OutcomeNeutral:        "neutral",
	OutcomeTempError:      "temp_error",
	OutcomePermError:      "perm_error",
	OutcomeSoftFail:       "soft_fail",
	OutcomeError:          "error",
	OutcomeAbort:          "abort",
	OutcomeWhitelist:      "whitelist",
	OutcomeGreylist:       "greylist",
	OutcomeTimeout:        "timeout",
	OutcomeTrue:           "true",
	OutcomeFalse:          "false",
}

var (
	aliasNames = map[Outcome]string{}
	aliasByName = map[string]Outcome{}
	nextAlias   = outcomeFirstAlias
)

// RegisterAlias declares a kind-specific outcome token (e.g. the rate
// kind's thresholds reuse the generic tokens, but a future kind may need
// its own). Re-registering the same name returns the existing token.
func RegisterAlias(name string) Outcome {
	if o, ok := aliasByName[name]; ok {
		return o
	}
	o := nextAlias
	nextAlias++
	aliasNames[o] = name
	aliasByName[name] = o
	return o
}

// OutcomeByName resolves a token name (builtin or alias) to its Outcome,
// used when parsing hook names out of the config DSL.
func OutcomeByName(name string) (Outcome, bool) {
	for o, n := range builtinNames {
		if n == name {
			return o, true
		}
	}
	if o, ok := aliasByName[name]; ok {
		return o, true
	}
	return 0, false
}

func (o Outcome) String() string {
	if n, ok := builtinNames[o]; ok {
		return n
	}
	if n, ok := aliasNames[o]; ok {
		return n
	}
	return "unknown"
}
