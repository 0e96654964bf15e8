package bamboo

// Lipmaa returns the skip-list position referenced by the entry at seqNum.
//
// Positions form a ternary ladder: for n = (3^k - 1) / 2 the link jumps back
// 3^(k-1) entries, every other position resolves through the largest ladder
// rung it is a multiple of. Lipmaa(1) is 0, meaning "no link".
func Lipmaa(seqNum uint64) uint64 {
	if seqNum == 0 {
		return 0
	}
	m, po3, u := uint64(1), uint64(3), seqNum
	for m < seqNum {
		po3 *= 3
		m = (po3 - 1) / 2
	}
	po3 /= 3
	if m != seqNum {
		for u != 0 {
			m = (po3 - 1) / 2
			po3 /= 3
			u %= m
		}
		if m != po3 {
			po3 = m
		}
	}
	return seqNum - po3
}

// CertificatePool returns the positions a verifier walks from seqNum down to
// the first entry, following lipmaa links. The result is ordered from
// seqNum downward and always ends in 1.
func CertificatePool(seqNum uint64) []uint64 {
	if seqNum == 0 {
		return nil
	}
	pool := []uint64{seqNum}
	for current := seqNum; current > 1; {
		current = Lipmaa(current)
		pool = append(pool, current)
	}
	return pool
}
