package frame

import "encoding/binary"

// JPEG marker bytes the validator cares about. Dimension metadata lives in
// the first start-of-frame segment; everything before it is skipped by its
// declared segment length.
const (
	jpegMarkerPrefix = 0xFF
	jpegSOI          = 0xD8
	jpegEOI          = 0xD9
	jpegSOS          = 0xDA
	jpegTEM          = 0x01
)

// HasJPEGMagic reports whether the payload starts with the JPEG start-of-image
// signature.
func HasJPEGMagic(data []byte) bool {
	return len(data) >= 2 && data[0] == jpegMarkerPrefix && data[1] == jpegSOI
}

// isSOFMarker reports whether m marks a start-of-frame segment. 0xC4 (DHT),
// 0xC8 (JPG extension) and 0xCC (DAC) share the 0xCx range but carry no
// frame header.
func isSOFMarker(m byte) bool {
	if m < 0xC0 || m > 0xCF {
		return false
	}
	return m != 0xC4 && m != 0xC8 && m != 0xCC
}

// jpegDimensions scans the segment chain for the first start-of-frame header
// and returns its declared width and height. ok is false when the chain is
// malformed or ends (EOI or start-of-scan) before any frame header.
func jpegDimensions(data []byte) (width, height int, ok bool) {
	if !HasJPEGMagic(data) {
		return 0, 0, false
	}

	i := 2
	for i+1 < len(data) {
		if data[i] != jpegMarkerPrefix {
			return 0, 0, false
		}
		m := data[i+1]

		// Fill bytes before a marker.
		if m == jpegMarkerPrefix {
			i++
			continue
		}
		// Standalone markers carry no length field.
		if m == jpegTEM || (m >= 0xD0 && m <= 0xD7) {
			i += 2
			continue
		}
		if m == jpegEOI || m == jpegSOS {
			return 0, 0, false
		}
		if i+4 > len(data) {
			return 0, 0, false
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2:]))
		if segLen < 2 || i+2+segLen > len(data) {
			return 0, 0, false
		}

		if isSOFMarker(m) {
			// Segment body: length(2) precision(1) height(2) width(2) ...
			if segLen < 7 {
				return 0, 0, false
			}
			height = int(binary.BigEndian.Uint16(data[i+5:]))
			width = int(binary.BigEndian.Uint16(data[i+7:]))
			return width, height, true
		}

		i += 2 + segLen
	}
	return 0, 0, false
}
