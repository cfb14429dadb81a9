package session

import "math/rand"

const peerIDPool = "0123456789abcdefghijklmnopqrstuvwxyz"

// GeneratePeerID builds a 20-byte peer id of the form "-TRxyzb-" followed by
// 12 random characters from peerIDPool, per §4.J. versionCode is the 4-char
// version-encoded segment (e.g. "4000" for 4.0.0); it is truncated or padded
// with zeros to exactly 4 characters. The last of the 12 trailing characters
// is chosen so that the sum of the other 11's pool indices plus its own,
// taken modulo 36, is zero, the way libtransmission's tr_peerIdInit
// checksums only its random tail rather than the fixed "-TRxyzb-" prefix.
func GeneratePeerID(versionCode string) [20]byte {
	var id [20]byte
	id[0] = '-'
	id[1] = 'T'
	id[2] = 'R'
	for i := 0; i < 4; i++ {
		if i < len(versionCode) {
			id[3+i] = versionCode[i]
		} else {
			id[3+i] = '0'
		}
	}
	id[7] = '-'

	sum := 0
	for i := 8; i < 19; i++ {
		c := peerIDPool[rand.Intn(len(peerIDPool))]
		id[i] = c
		sum += indexOf(c)
	}

	checksum := (36 - sum%36) % 36
	id[19] = peerIDPool[checksum]

	return id
}

func indexOf(c byte) int {
	for i := 0; i < len(peerIDPool); i++ {
		if peerIDPool[i] == c {
			return i
		}
	}
	return 0
}
