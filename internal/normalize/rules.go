package normalize

// DefaultPhraseRules folds organizational-type suffixes into their common
// abbreviations.
func DefaultPhraseRules() []Rule {
	return []Rule{
		{Pattern: "consolidated independent school district", Replacement: "cisd"},
		{Pattern: "community consolidated school district", Replacement: "ccsd"},
		{Pattern: "community unit school district", Replacement: "cusd"},
		{Pattern: "community high school district", Replacement: "chsd"},
		{Pattern: "union high school district", Replacement: "uhsd"},
		{Pattern: "independent school district", Replacement: "isd"},
		{Pattern: "elementary school district", Replacement: "esd"},
		{Pattern: "community school district", Replacement: "csd"},
		{Pattern: "unified school district", Replacement: "usd"},
		{Pattern: "high school district", Replacement: "hsd"},
		{Pattern: "public school district", Replacement: "psd"},
		{Pattern: "school district", Replacement: "sd"},
		{Pattern: "public schools", Replacement: "ps"},
	}
}

// DefaultTokenRules abbreviates common place-name words.
func DefaultTokenRules() []Rule {
	return []Rule{
		{Pattern: "saint", Replacement: "st"},
		{Pattern: "sainte", Replacement: "ste"},
		{Pattern: "mount", Replacement: "mt"},
		{Pattern: "fort", Replacement: "ft"},
		{Pattern: "township", Replacement: "twp"},
	}
}
