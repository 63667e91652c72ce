package config

import (
	"regexp"
	"strings"
	"sync"
)

// UsageSelector picks out the bucket(s) a mapping entry applies to.
// Window and WindowPattern are mutually exclusive.
type UsageSelector struct {
	Provider      string `json:"provider" yaml:"provider"`
	Account       string `json:"account,omitempty" yaml:"account,omitempty"`
	Window        string `json:"window,omitempty" yaml:"window,omitempty"`
	WindowPattern string `json:"windowPattern,omitempty" yaml:"windowPattern,omitempty"`
}

// ModelRef names a concrete model in the host registry.
type ModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	ID       string `json:"id" yaml:"id"`
}

// MappingEntry is one user rule: map a bucket to a model, ignore it, or
// fold it into a combine group. Exactly one of Model, Ignore, Combine is set.
type MappingEntry struct {
	Usage   UsageSelector `json:"usage" yaml:"usage"`
	Model   *ModelRef     `json:"model,omitempty" yaml:"model,omitempty"`
	Reserve int           `json:"reserve,omitempty" yaml:"reserve,omitempty"`
	Ignore  bool          `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	Combine string        `json:"combine,omitempty" yaml:"combine,omitempty"`
}

// Valid reports whether the entry is well-formed. A malformed entry is
// skipped; other entries still apply.
func (e *MappingEntry) Valid() bool {
	if e.Usage.Provider == "" {
		return false
	}
	if e.Usage.Window != "" && e.Usage.WindowPattern != "" {
		return false
	}
	set := 0
	if e.Model != nil {
		set++
	}
	if e.Ignore {
		set++
	}
	if e.Combine != "" {
		set++
	}
	if set != 1 {
		return false
	}
	if e.Reserve != 0 && (e.Model == nil || e.Reserve < 0 || e.Reserve > 99) {
		return false
	}
	return true
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// compilePattern returns the compiled window pattern, or nil if the regex
// does not compile. A bad pattern invalidates only its own entry.
func compilePattern(pattern string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache[pattern] = nil
		return nil
	}
	patternCache[pattern] = re
	return re
}

// matchRank scores how an entry matches a bucket. Lower ranks first:
// 0 exact (provider, account, window); 1 exact (provider, window), account
// unspecified; 2 pattern with matching account; 3 pattern, account
// unspecified. -1 means no match.
func (e *MappingEntry) matchRank(provider ProviderID, account, window string) int {
	p, ok := NormalizeProvider(e.Usage.Provider)
	if !ok || p != provider {
		return -1
	}
	accountMatch := e.Usage.Account == "" || strings.EqualFold(e.Usage.Account, account)
	if !accountMatch {
		return -1
	}
	switch {
	case e.Usage.Window != "":
		if !strings.EqualFold(e.Usage.Window, window) {
			return -1
		}
		if e.Usage.Account != "" {
			return 0
		}
		return 1
	case e.Usage.WindowPattern != "":
		re := compilePattern(e.Usage.WindowPattern)
		if re == nil || !re.MatchString(window) {
			return -1
		}
		if e.Usage.Account != "" {
			return 2
		}
		return 3
	default:
		// Provider-wide selector.
		if e.Usage.Account != "" {
			return 2
		}
		return 3
	}
}

func (c *LoadedConfig) findMapping(provider ProviderID, account, window string, want func(*MappingEntry) bool) *MappingEntry {
	var best *MappingEntry
	bestRank := -1
	for i := range c.Mappings {
		entry := &c.Mappings[i]
		if !entry.Valid() || !want(entry) {
			continue
		}
		rank := entry.matchRank(provider, account, window)
		if rank < 0 {
			continue
		}
		if best == nil || rank < bestRank {
			best = entry
			bestRank = rank
		}
	}
	return best
}

// FindModelMapping returns the model rule for a bucket, most specific first.
func (c *LoadedConfig) FindModelMapping(provider ProviderID, account, window string) *MappingEntry {
	return c.findMapping(provider, account, window, func(e *MappingEntry) bool { return e.Model != nil })
}

// FindIgnoreMapping returns the ignore rule for a bucket, if any.
func (c *LoadedConfig) FindIgnoreMapping(provider ProviderID, account, window string) *MappingEntry {
	return c.findMapping(provider, account, window, func(e *MappingEntry) bool { return e.Ignore })
}

// FindCombineMapping returns the combine rule for a bucket, if any.
func (c *LoadedConfig) FindCombineMapping(provider ProviderID, account, window string) *MappingEntry {
	return c.findMapping(provider, account, window, func(e *MappingEntry) bool { return e.Combine != "" })
}

// HasMappingForProvider reports whether any valid mapping names the
// provider. Providers with no mapping at all are implicitly disabled.
func (c *LoadedConfig) HasMappingForProvider(provider ProviderID) bool {
	for i := range c.Mappings {
		entry := &c.Mappings[i]
		if !entry.Valid() {
			continue
		}
		if p, ok := NormalizeProvider(entry.Usage.Provider); ok && p == provider {
			return true
		}
	}
	return false
}

// ProviderIgnored reports whether every bucket of (provider, account) is
// blanket-ignored. Used to suppress 429 cooldowns for ignored providers.
func (c *LoadedConfig) ProviderIgnored(provider ProviderID, account string) bool {
	for i := range c.Mappings {
		entry := &c.Mappings[i]
		if !entry.Valid() || !entry.Ignore {
			continue
		}
		p, ok := NormalizeProvider(entry.Usage.Provider)
		if !ok || p != provider {
			continue
		}
		if entry.Usage.Window != "" || entry.Usage.WindowPattern != "" {
			continue
		}
		if entry.Usage.Account == "" || strings.EqualFold(entry.Usage.Account, account) {
			return true
		}
	}
	return false
}
