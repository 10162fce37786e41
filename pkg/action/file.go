package action

import (
	"fmt"

	"github.com/skythen/apdu"
)

const (
	selectByFileID = 0x02
	selectByName   = 0x04
	selectNoFCI    = 0x0C

	maxShortFileID = 0x1F
	maxOffset      = 0x7FFF
)

// SelectApplication selects a dedicated file by application identifier.
func SelectApplication(aid []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  ClassInterindustry,
		Ins:  InsSelect,
		P1:   selectByName,
		P2:   selectNoFCI,
		Data: append([]byte(nil), aid...),
	}
}

// SelectFile selects an elementary file in the current application by file identifier.
func SelectFile(fid uint16) apdu.Capdu {
	return apdu.Capdu{
		Cla:  ClassInterindustry,
		Ins:  InsSelect,
		P1:   selectByFileID,
		P2:   selectNoFCI,
		Data: []byte{byte(fid >> 8), byte(fid)},
	}
}

// ReadBinary reads up to ne bytes of the currently selected file, starting at offset.
func ReadBinary(offset uint16, ne int) (apdu.Capdu, error) {
	if offset > maxOffset {
		return apdu.Capdu{}, fmt.Errorf("offset %d exceeds %d", offset, maxOffset)
	}
	return apdu.Capdu{
		Cla: ClassInterindustry,
		Ins: InsReadBinary,
		P1:  byte(offset >> 8),
		P2:  byte(offset),
		Ne:  ne,
	}, nil
}

// ReadBinarySFI selects the file with short identifier sfi and reads up to ne bytes starting at
// offset. Only the first 256 bytes of a file can be addressed this way.
func ReadBinarySFI(sfi byte, offset byte, ne int) (apdu.Capdu, error) {
	if sfi == 0 || sfi > maxShortFileID {
		return apdu.Capdu{}, fmt.Errorf("invalid short file identifier %02X", sfi)
	}
	return apdu.Capdu{
		Cla: ClassInterindustry,
		Ins: InsReadBinary,
		P1:  0x80 | sfi,
		P2:  offset,
		Ne:  ne,
	}, nil
}
