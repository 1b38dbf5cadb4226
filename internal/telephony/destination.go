package telephony

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeE164 strips common formatting and checks the result is E.164.
func NormalizeE164(s string) (string, error) {
	r := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	n := r.Replace(strings.TrimSpace(s))
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if !e164.MatchString(n) {
		return "", fmt.Errorf("%w: %q is not an E.164 number", ErrInvalidDestination, s)
	}
	return n, nil
}

// ParseSIPTarget accepts an E.164 number or a sip:/sips: URI and returns a SIP URI
// string routed through domain when only a number was given.
func ParseSIPTarget(s, domain string) (string, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		n, err := NormalizeE164(s)
		if err != nil {
			return "", err
		}
		s = "sip:" + n + "@" + domain
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDestination, s, err)
	}
	if uri.Host == "" || uri.User == "" {
		return "", fmt.Errorf("%w: %q needs user and host", ErrInvalidDestination, s)
	}
	return uri.String(), nil
}
