package shamir

// Log and exp tables for GF(2^8) with the AES reduction polynomial
// x^8 + x^4 + x^3 + x + 1 and generator 3.
var (
	expTable [510]byte
	logTable [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		expTable[i] = x
		expTable[i+255] = x
		logTable[x] = byte(i)
		x = mulSlow(x, 3)
	}
}

// mulSlow multiplies by shift-and-add; only used to build the tables.
func mulSlow(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func add(a, b byte) byte {
	return a ^ b
}

func mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// div panics on division by zero; callers guarantee distinct non-zero x.
func div(a, b byte) byte {
	if b == 0 {
		panic("shamir: division by zero")
	}
	if a == 0 {
		return 0
	}
	return expTable[int(logTable[a])+255-int(logTable[b])]
}
