package packet

import "strings"

// ReadU16 reads a big-endian uint16 from b, advancing the cursor by two.
func ReadU16(b PacketBuffer) (uint16, error) {
	b1, err := b.Read()
	if err != nil {
		return 0, err
	}
	b2, err := b.Read()
	if err != nil {
		return 0, err
	}
	return uint16(b1)<<8 | uint16(b2), nil
}

// ReadU32 reads a big-endian uint32 from b, advancing the cursor by four.
func ReadU32(b PacketBuffer) (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		by, err := b.Read()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(by)
	}
	return v, nil
}

// WriteU16 writes v as big-endian, advancing the cursor by two.
func WriteU16(b PacketBuffer, v uint16) error {
	if err := b.Write(byte(v >> 8)); err != nil {
		return err
	}
	return b.Write(byte(v & 0xFF))
}

// WriteU32 writes v as big-endian, advancing the cursor by four.
func WriteU32(b PacketBuffer, v uint32) error {
	for shift := 24; shift >= 0; shift -= 8 {
		if err := b.Write(byte(v >> uint(shift))); err != nil {
			return err
		}
	}
	return nil
}

// SetU16 patches a big-endian uint16 at pos without moving the cursor.
func SetU16(b PacketBuffer, pos int, v uint16) error {
	if err := b.Set(pos, byte(v>>8)); err != nil {
		return err
	}
	return b.Set(pos+1, byte(v&0xFF))
}

// ReadName decodes an RFC 1035 domain name starting at the buffer's current
// cursor, following compression pointers as needed. The returned string has
// no leading or trailing dot ("centauri.solutions", not ".centauri.solutions.").
// Labels are treated as raw bytes and lowercased ASCII A-Z only; the result
// is otherwise a lossy-ASCII rendering of the wire bytes.
func ReadName(b PacketBuffer) (string, error) {
	pos := b.Pos()
	jumped := false
	jumps := 0

	var out strings.Builder
	delim := ""

	for {
		if jumps > maxPointerJumps {
			return "", ErrPointerLoop
		}

		lenByte, err := b.Get(pos)
		if err != nil {
			return "", err
		}

		if lenByte&0xC0 == 0xC0 {
			if !jumped {
				if err := b.Seek(pos + 2); err != nil {
					return "", err
				}
			}
			b2, err := b.Get(pos + 1)
			if err != nil {
				return "", err
			}
			offset := (uint16(lenByte&0x3F) << 8) | uint16(b2)
			pos = int(offset)
			jumped = true
			jumps++
			continue
		}

		pos++
		if lenByte == 0 {
			break
		}

		label, err := b.GetRange(pos, int(lenByte))
		if err != nil {
			return "", err
		}
		out.WriteString(delim)
		for _, c := range label {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			out.WriteByte(c)
		}
		delim = "."
		pos += int(lenByte)
	}

	if !jumped {
		if err := b.Seek(pos); err != nil {
			return "", err
		}
	}
	return out.String(), nil
}

// WriteName encodes name as length-prefixed labels terminated by a zero
// length, compressing any suffix already present in b's label index. name
// may be given with or without a trailing dot.
func WriteName(b PacketBuffer, name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return b.Write(0)
	}

	labels := strings.Split(name, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if offset, ok := b.FindLabel(suffix); ok {
			return WriteU16(b, uint16(offset)|0xC000)
		}
		b.SaveLabel(suffix, b.Pos())

		label := labels[i]
		if len(label) > 63 {
			return ErrLabelTooLong
		}
		if err := b.Write(byte(len(label))); err != nil {
			return err
		}
		for j := 0; j < len(label); j++ {
			if err := b.Write(label[j]); err != nil {
				return err
			}
		}
	}
	return b.Write(0)
}
