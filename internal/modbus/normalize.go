package modbus

// Normalize converts a Register's engineering-notation address into the
// zero-based wire address the Modbus PDU expects (spec.md §4.2):
//
//	[40001, 49999] -> addr - 40001   (holding registers)
//	[30001, 39999] -> addr - 30001   (input registers)
//	addr > 0        -> addr - 1       (generic 1-based addressing)
//	otherwise       -> addr           (already zero-based, pass through)
func Normalize(addr int) int {
	switch {
	case addr >= 40001 && addr <= 49999:
		return addr - 40001
	case addr >= 30001 && addr <= 39999:
		return addr - 30001
	case addr > 0:
		return addr - 1
	default:
		return addr
	}
}
