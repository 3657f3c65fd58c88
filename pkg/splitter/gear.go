package splitter

// gearTable is the fixed 256-entry gear lookup used by Process. Every byte
// value maps to one 32-bit constant; the table never changes at runtime, so
// chunk boundaries depend only on (salt, plaintext), never on process state.
//
// The values are derived once, at package init, from a fixed splitmix64
// sequence seeded with a constant — this is not randomness, it's a
// deterministic way to fill 256 slots with well-mixed bits without typing
// them out by hand.
var gearTable [256]uint32

func init() {
	var x uint64 = 0x9e3779b97f4a7c15
	for i := range gearTable {
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z = z ^ (z >> 31)
		gearTable[i] = uint32(z) ^ uint32(z>>32)
	}
}
