package hash

// murmur3 32bit, used for shard assignment. The hash must stay stable
// for the lifetime of a resolver process so a path always lands on the
// same shard; it does not need to be stable across releases.

const (
	c1 = uint32(0xcc9e2d51)
	c2 = uint32(0x1b873593)
)

func rotl32(x uint32, r uint8) uint32 {
	return (x << r) | (x >> (32 - r))
}

func mix(h1, k1 uint32) uint32 {
	k1 *= c1
	k1 = rotl32(k1, 15)
	k1 *= c2
	h1 ^= k1
	h1 = rotl32(h1, 13)
	return h1*5 + 0xe6546b64
}

// Murmur3String hashes s without allocating.
func Murmur3String(s string) uint32 {
	var h1 uint32
	length := len(s)
	b := length &^ 3
	for i := 0; i < b; i += 4 {
		k1 := uint32(s[i]) | uint32(s[i+1])<<8 | uint32(s[i+2])<<16 | uint32(s[i+3])<<24
		h1 = mix(h1, k1)
	}
	var k1 uint32
	switch length & 3 {
	case 3:
		k1 ^= uint32(s[b+2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(s[b+1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(s[b])
		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2
		h1 ^= k1
	}
	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16
	return h1
}

// Murmur3 hashes a byte slice.
func Murmur3(data []byte) uint32 {
	var h1 uint32
	length := len(data)
	b := length &^ 3
	for i := 0; i < b; i += 4 {
		k1 := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		h1 = mix(h1, k1)
	}
	var k1 uint32
	switch length & 3 {
	case 3:
		k1 ^= uint32(data[b+2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(data[b+1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(data[b])
		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2
		h1 ^= k1
	}
	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16
	return h1
}
