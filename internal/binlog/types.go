package binlog

// MySQL column type codes as they appear in TABLE_MAP events.
const (
	TypeDecimal    byte = 0
	TypeTiny       byte = 1
	TypeShort      byte = 2
	TypeLong       byte = 3
	TypeFloat      byte = 4
	TypeDouble     byte = 5
	TypeNull       byte = 6
	TypeTimestamp  byte = 7
	TypeLongLong   byte = 8
	TypeInt24      byte = 9
	TypeDate       byte = 10
	TypeTime       byte = 11
	TypeDatetime   byte = 12
	TypeYear       byte = 13
	TypeNewDate    byte = 14
	TypeVarchar    byte = 15
	TypeBit        byte = 16
	TypeTimestamp2 byte = 17
	TypeDatetime2  byte = 18
	TypeTime2      byte = 19
	TypeJSON       byte = 245
	TypeNewDecimal byte = 246
	TypeEnum       byte = 247
	TypeSet        byte = 248
	TypeTinyBlob   byte = 249
	TypeMediumBlob byte = 250
	TypeLongBlob   byte = 251
	TypeBlob       byte = 252
	TypeVarString  byte = 253
	TypeString     byte = 254
	TypeGeometry   byte = 255
)

// readColumnMeta reads the TABLE_MAP metadata of one column.
func readColumnMeta(c *cursor, typ byte) uint16 {
	switch typ {
	case TypeString, TypeNewDecimal, TypeEnum, TypeSet:
		// real type / precision in the high byte, length / scale in the low byte
		return uint16(c.u8())<<8 | uint16(c.u8())
	case TypeVarchar, TypeVarString, TypeBit:
		return c.u16()
	case TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeFloat, TypeDouble,
		TypeTime2, TypeDatetime2, TypeTimestamp2, TypeJSON, TypeGeometry:
		return uint16(c.u8())
	}
	return 0
}

func isNumeric(typ byte) bool {
	switch typ {
	case TypeTiny, TypeShort, TypeInt24, TypeLong, TypeLongLong, TypeFloat, TypeDouble, TypeDecimal, TypeNewDecimal:
		return true
	}
	return false
}

// stringType resolves the real type and maximum byte length packed into a STRING column's meta.
func stringType(meta uint16) (byte, int) {
	if meta < 256 {
		return TypeString, int(meta)
	}
	b0, b1 := byte(meta>>8), byte(meta&0xff)
	if b0&0x30 != 0x30 {
		// lengths above 255 borrow two bits of the type byte
		return b0 | 0x30, int(uint16(b1) | uint16((b0&0x30)^0x30)<<4)
	}
	return b0, int(b1)
}
