package iso7816

// READ BINARY COMMAND LOGIC (ISO 7816-4):
// The READ BINARY command (INS 'B0') reads a string of bytes from a
// transparent (binary) EF, either the currently selected one or a short EF
// addressed directly by SFI.
//
// P1-P2 (no SFI): P1 bit 8 = 0, the remaining 15 bits are the byte offset.
// P1-P2 (with SFI): P1 bits 8-7 = '1', bits 6-0 are the SFI, P2 is the
// offset (0-255) within that EF.

// NewReadBinaryCommand reads from the currently selected EF starting at
// offset (0-32767).
func NewReadBinaryCommand(cla Class, offset uint16, ne int) *CommandAPDU {
	ins, _ := NewInstruction(INS_READ_BINARY)
	p1 := byte(offset>>8) & 0x7F
	p2 := byte(offset)
	return NewCommandAPDU(cla, ins, p1, p2, nil, ne)
}
