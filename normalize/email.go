package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var reEmailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]{2,}$`)

func looksLikeEmail(s string) bool {
	return len(s) <= 254 && reEmailShape.MatchString(s)
}

// canonicalEmail applies the configured mailbox rules to a folded address.
// Values that are not a single local@domain pair are returned unchanged.
func (n *Normalizer) canonicalEmail(addr string) (string, Flag) {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return addr, 0
	}
	local, domain := addr[:at], strings.TrimSuffix(addr[at+1:], ".")
	var flags Flag

	if ascii, err := idna.Lookup.ToASCII(domain); err == nil && ascii != domain {
		domain = ascii
		flags |= FlagIDNA
	}
	if alias, ok := n.rules.domainAliases[domain]; ok {
		domain = alias
		flags |= FlagDomainAliased
	}
	if n.rules.plusStripping {
		if plus := strings.IndexByte(local, '+'); plus > 0 {
			local = local[:plus]
			flags |= FlagPlusStripped
		}
	}
	if _, ok := n.rules.dotless[domain]; ok && strings.Contains(local, ".") {
		local = strings.ReplaceAll(local, ".", "")
		flags |= FlagDotsStripped
	}
	return local + "@" + domain, flags
}

// EmailDomain returns the domain part of a canonical address, or "".
func EmailDomain(canonical string) string {
	at := strings.LastIndexByte(canonical, '@')
	if at <= 0 || at == len(canonical)-1 {
		return ""
	}
	return canonical[at+1:]
}

// EmailLocal returns the local part of a canonical address, or "".
func EmailLocal(canonical string) string {
	at := strings.LastIndexByte(canonical, '@')
	if at <= 0 {
		return ""
	}
	return canonical[:at]
}
