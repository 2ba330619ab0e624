package crdt

// Order keys place a node among its siblings. They are short base36
// strings ordered lexicographically; KeyBetween always finds a key
// strictly between two existing keys, so any position can be targeted
// without rewriting sibling keys. Two replicas inserting at the same
// position generate the same key and are tie-broken by node id when
// children are read back.

const orderDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

func orderDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return 0
	}
}

// KeyBetween returns an order key strictly between a and b. a == ""
// stands for the lower bound, b == "" for the upper bound. When
// a >= b (malformed input after a merge) it degrades to appending
// after a rather than failing.
func KeyBetween(a, b string) string {
	if b != "" && a >= b {
		b = ""
	}
	return midpoint(a, b)
}

func midpoint(a, b string) string {
	// "0" is the smallest digit, so no key sorts strictly below it;
	// degrade to appending, as for inverted bounds.
	if b == "0" {
		b = ""
	}
	if b != "" {
		n := 0
		for n < len(a) && n < len(b) && a[n] == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(a[n:], b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = orderDigit(a[0])
	}
	digitB := len(orderDigits)
	if b != "" {
		digitB = orderDigit(b[0])
	}

	if digitB-digitA > 1 {
		return string(orderDigits[(digitA+digitB)/2])
	}

	// Adjacent digits: descend.
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(orderDigits[digitA]) + midpoint(rest, "")
}
