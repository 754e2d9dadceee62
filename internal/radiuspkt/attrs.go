package radiuspkt

import "fmt"

// Attribute is a single decoded TLV view into a packet's attribute region.
// Off/Len describe the position of the *value* (after the 2-byte
// type+length header) within the owning buffer.
type Attribute struct {
	Type byte
	Off  int // offset of the value within the buffer
	Len  int // length of the value
}

// Value returns the attribute's value bytes from buf.
func (a Attribute) Value(buf []byte) []byte {
	return buf[a.Off : a.Off+a.Len]
}

// Validate walks the TLV region starting at buf[HeaderLen:end] (end is the
// on-wire Length field) and fails if any TLV's length byte is < 2 or the
// TLV runs past end. A single trailing byte left over after the last
// complete TLV is tolerated with a warning; the caller is responsible
// for logging that warning using the bool this function returns.
func Validate(buf []byte, end int) (trailingByteTolerated bool, err error) {
	i := HeaderLen
	for i < end {
		if end-i == 1 {
			// exactly one leftover byte: tolerated
			return true, nil
		}
		if end-i < 2 {
			return false, fmt.Errorf("radiuspkt: truncated attribute header at offset %d", i)
		}
		typ := buf[i]
		length := int(buf[i+1])
		if length < 2 {
			return false, fmt.Errorf("radiuspkt: attribute type %d has invalid length %d", typ, length)
		}
		if i+length > end {
			return false, fmt.Errorf("radiuspkt: attribute type %d runs past packet end", typ)
		}
		i += length
	}
	return false, nil
}

// Find returns the first attribute of the given type in buf[HeaderLen:end].
// Assumes buf has already passed Validate.
func Find(buf []byte, end int, typ byte) (Attribute, bool) {
	i := HeaderLen
	for i+2 <= end {
		t := buf[i]
		length := int(buf[i+1])
		if i+length > end {
			break
		}
		if t == typ {
			return Attribute{Type: t, Off: i + 2, Len: length - 2}, true
		}
		i += length
	}
	return Attribute{}, false
}

// FindAll returns every attribute of the given type in buf[HeaderLen:end].
func FindAll(buf []byte, end int, typ byte) []Attribute {
	var out []Attribute
	i := HeaderLen
	for i+2 <= end {
		t := buf[i]
		length := int(buf[i+1])
		if i+length > end {
			break
		}
		if t == typ {
			out = append(out, Attribute{Type: t, Off: i + 2, Len: length - 2})
		}
		i += length
	}
	return out
}

// VendorSub is a decoded sub-attribute inside a Vendor-Specific (26)
// attribute whose value begins with a 4-byte big-endian vendor id.
type VendorSub struct {
	VendorID uint32
	Type     byte
	Off      int
	Len      int
}

func (v VendorSub) Value(buf []byte) []byte {
	return buf[v.Off : v.Off+v.Len]
}

// FindVendor iterates every Vendor-Specific (26) attribute in
// buf[HeaderLen:end] whose vendor id matches vendorID, and returns every
// inner sub-attribute whose type matches subType. Each Vendor-Specific
// attribute's value must have at least 4 bytes (the vendor id) followed
// by validly-formed inner TLVs.
func FindVendor(buf []byte, end int, vendorID uint32, subType byte) []VendorSub {
	var out []VendorSub
	for _, a := range FindAll(buf, end, AttrVendorSpecific) {
		if a.Len < 4 {
			continue
		}
		vid := uint32(buf[a.Off])<<24 | uint32(buf[a.Off+1])<<16 | uint32(buf[a.Off+2])<<8 | uint32(buf[a.Off+3])
		if vid != vendorID {
			continue
		}
		innerStart := a.Off + 4
		innerEnd := a.Off + a.Len
		j := innerStart
		for j+2 <= innerEnd {
			t := buf[j]
			length := int(buf[j+1])
			if length < 2 || j+length > innerEnd {
				break
			}
			if t == subType {
				out = append(out, VendorSub{VendorID: vid, Type: t, Off: j + 2, Len: length - 2})
			}
			j += length
		}
	}
	return out
}
