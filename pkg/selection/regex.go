package selection

import "regexp"

// compileRegex compiles a selector's power_on_data_regex. Selectors are
// small and short-lived (one per prepare_selection call), so there is no
// caching pressure that would justify anything beyond the standard library
// here.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
