// Package grib2 implements a minimal GRIB2 reader and writer covering what
// the MRMS archive actually uses: edition 2, lat/lon grid definition
// template 3.0, simple packing (data representation template 5.0) and an
// optional bitmap. Anything else is rejected with an error naming the
// unsupported template.
package grib2

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// Message is one decoded GRIB2 field.
type Message struct {
	Discipline        int
	ParameterCategory int
	ParameterNumber   int

	RefTime time.Time

	Level        float64
	TypeOfLevel  string
	StepRange    string
	ValidityDate int
	ValidityTime int

	Ni, Nj int
	Lats   []float64 // scan-order latitude axis, length Nj
	Lons   []float64 // scan-order longitude axis in [0, 360), length Ni

	// Values are row-major in scan order, Nj rows of Ni; bitmap-masked
	// points are NaN.
	Values []float64

	earthRadius float64
}

// ProjString renders the grid's projection in PROJ.4 form.
func (m *Message) ProjString() string {
	return fmt.Sprintf("+proj=longlat +a=%.0f +b=%.0f +no_defs", m.earthRadius, m.earthRadius)
}

var levelNames = map[byte]string{
	1:   "surface",
	101: "meanSea",
	102: "heightAboveSea",
	103: "heightAboveGround",
	200: "entireAtmosphere",
}

// Decode parses every GRIB2 message in data.
func Decode(data []byte) ([]*Message, error) {
	var msgs []*Message
	for off := 0; off < len(data); {
		if len(data)-off < 16 {
			return nil, fmt.Errorf("grib2: truncated indicator at offset %d", off)
		}
		if string(data[off:off+4]) != "GRIB" {
			return nil, fmt.Errorf("grib2: missing GRIB magic at offset %d", off)
		}
		totalLen := int(binary.BigEndian.Uint64(data[off+8 : off+16]))
		if totalLen < 20 || off+totalLen > len(data) {
			return nil, fmt.Errorf("grib2: message length %d exceeds input", totalLen)
		}
		msg, err := decodeMessage(data[off : off+totalLen])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
		off += totalLen
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("grib2: no messages in %d bytes", len(data))
	}
	return msgs, nil
}

type decoder struct {
	msg *Message

	numPacked int
	refValue  float64
	binScale  int
	decScale  int
	bits      int
	bitmap    []bool
	haveRepr  bool
}

func decodeMessage(buf []byte) (*Message, error) {
	if buf[7] != 2 {
		return nil, fmt.Errorf("grib2: unsupported edition %d", buf[7])
	}
	d := &decoder{msg: &Message{Discipline: int(buf[6])}}

	off := 16
	for {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("grib2: missing end marker")
		}
		if string(buf[off:off+4]) == "7777" {
			break
		}
		if len(buf)-off < 5 {
			return nil, fmt.Errorf("grib2: truncated section header at offset %d", off)
		}
		secLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		if secLen < 5 || off+secLen > len(buf) {
			return nil, fmt.Errorf("grib2: section length %d exceeds message", secLen)
		}
		sec := buf[off : off+secLen]

		var err error
		switch sec[4] {
		case 1:
			err = d.identification(sec)
		case 2:
			// Local use section, nothing we need.
		case 3:
			err = d.gridDefinition(sec)
		case 4:
			err = d.productDefinition(sec)
		case 5:
			err = d.dataRepresentation(sec)
		case 6:
			err = d.bitmapSection(sec)
		case 7:
			err = d.dataSection(sec)
		default:
			err = fmt.Errorf("grib2: unexpected section %d", sec[4])
		}
		if err != nil {
			return nil, err
		}
		off += secLen
	}
	if d.msg.Values == nil {
		return nil, fmt.Errorf("grib2: message has no data section")
	}
	return d.msg, nil
}

func (d *decoder) identification(sec []byte) error {
	if len(sec) < 21 {
		return fmt.Errorf("grib2: identification section too short (%d bytes)", len(sec))
	}
	year := int(binary.BigEndian.Uint16(sec[12:14]))
	d.msg.RefTime = time.Date(year, time.Month(sec[14]), int(sec[15]),
		int(sec[16]), int(sec[17]), int(sec[18]), 0, time.UTC)
	return nil
}

func (d *decoder) gridDefinition(sec []byte) error {
	if len(sec) < 14 {
		return fmt.Errorf("grib2: grid definition section too short (%d bytes)", len(sec))
	}
	tmpl := int(binary.BigEndian.Uint16(sec[12:14]))
	if tmpl != 0 {
		return fmt.Errorf("grib2: unsupported grid definition template %d", tmpl)
	}
	if len(sec) < 72 {
		return fmt.Errorf("grib2: grid definition template 3.0 truncated (%d bytes)", len(sec))
	}

	switch sec[14] {
	case 0:
		d.msg.earthRadius = 6367470
	case 1:
		d.msg.earthRadius = float64(binary.BigEndian.Uint32(sec[16:20])) / math.Pow(10, float64(sec[15]))
	default:
		d.msg.earthRadius = 6371229
	}

	ni := int(binary.BigEndian.Uint32(sec[30:34]))
	nj := int(binary.BigEndian.Uint32(sec[34:38]))
	npts := int(binary.BigEndian.Uint32(sec[6:10]))
	if ni <= 0 || nj <= 0 || npts != ni*nj {
		return fmt.Errorf("grib2: grid declares %d points for %dx%d", npts, nj, ni)
	}

	la1 := microdegrees(signMagnitude32(binary.BigEndian.Uint32(sec[46:50])))
	lo1 := microdegrees(signMagnitude32(binary.BigEndian.Uint32(sec[50:54])))
	di := microdegrees(int(binary.BigEndian.Uint32(sec[63:67])))
	dj := microdegrees(int(binary.BigEndian.Uint32(sec[67:71])))
	scan := sec[71]

	latStep := dj
	if scan&0x40 == 0 {
		// j scans north to south.
		latStep = -dj
	}
	lonStep := di
	if scan&0x80 != 0 {
		lonStep = -di
	}
	d.msg.Ni, d.msg.Nj = ni, nj
	d.msg.Lats = axis(la1, latStep, nj)
	d.msg.Lons = axis(lo1, lonStep, ni)
	return nil
}

func (d *decoder) productDefinition(sec []byte) error {
	if len(sec) < 9 {
		return fmt.Errorf("grib2: product definition section too short (%d bytes)", len(sec))
	}
	tmpl := int(binary.BigEndian.Uint16(sec[7:9]))
	if tmpl != 0 {
		return fmt.Errorf("grib2: unsupported product definition template %d", tmpl)
	}
	if len(sec) < 34 {
		return fmt.Errorf("grib2: product definition template 4.0 truncated (%d bytes)", len(sec))
	}

	d.msg.ParameterCategory = int(sec[9])
	d.msg.ParameterNumber = int(sec[10])

	forecast := signMagnitude32(binary.BigEndian.Uint32(sec[18:22]))
	d.msg.StepRange = strconv.Itoa(forecast)

	var offset time.Duration
	switch sec[17] {
	case 0:
		offset = time.Duration(forecast) * time.Minute
	case 1:
		offset = time.Duration(forecast) * time.Hour
	case 2:
		offset = time.Duration(forecast) * 24 * time.Hour
	}
	valid := d.msg.RefTime.Add(offset)
	d.msg.ValidityDate = valid.Year()*10000 + int(valid.Month())*100 + valid.Day()
	d.msg.ValidityTime = valid.Hour()*100 + valid.Minute()

	d.msg.TypeOfLevel = levelNames[sec[22]]
	if d.msg.TypeOfLevel == "" {
		d.msg.TypeOfLevel = "unknown"
	}
	if sec[23] != 0xff && binary.BigEndian.Uint32(sec[24:28]) != 0xffffffff {
		sv := signMagnitude32(binary.BigEndian.Uint32(sec[24:28]))
		d.msg.Level = float64(sv) / math.Pow(10, float64(signMagnitude8(sec[23])))
	}
	return nil
}

func (d *decoder) dataRepresentation(sec []byte) error {
	if len(sec) < 11 {
		return fmt.Errorf("grib2: data representation section too short (%d bytes)", len(sec))
	}
	tmpl := int(binary.BigEndian.Uint16(sec[9:11]))
	if tmpl != 0 {
		return fmt.Errorf("grib2: unsupported data representation template %d", tmpl)
	}
	if len(sec) < 21 {
		return fmt.Errorf("grib2: data representation template 5.0 truncated (%d bytes)", len(sec))
	}
	d.numPacked = int(binary.BigEndian.Uint32(sec[5:9]))
	d.refValue = float64(math.Float32frombits(binary.BigEndian.Uint32(sec[11:15])))
	d.binScale = signMagnitude16(binary.BigEndian.Uint16(sec[15:17]))
	d.decScale = signMagnitude16(binary.BigEndian.Uint16(sec[17:19]))
	d.bits = int(sec[19])
	d.haveRepr = true
	return nil
}

func (d *decoder) bitmapSection(sec []byte) error {
	if len(sec) < 6 {
		return fmt.Errorf("grib2: bitmap section too short (%d bytes)", len(sec))
	}
	switch sec[5] {
	case 255:
		d.bitmap = nil
	case 0:
		if d.msg.Ni == 0 {
			return fmt.Errorf("grib2: bitmap section before grid definition")
		}
		n := d.msg.Ni * d.msg.Nj
		if len(sec)-6 < (n+7)/8 {
			return fmt.Errorf("grib2: bitmap truncated: %d bytes for %d points", len(sec)-6, n)
		}
		d.bitmap = make([]bool, n)
		for i := 0; i < n; i++ {
			d.bitmap[i] = sec[6+i/8]>>(7-uint(i%8))&1 == 1
		}
	default:
		return fmt.Errorf("grib2: unsupported bitmap indicator %d", sec[5])
	}
	return nil
}

func (d *decoder) dataSection(sec []byte) error {
	if !d.haveRepr {
		return fmt.Errorf("grib2: data section before representation section")
	}
	if d.msg.Ni == 0 {
		return fmt.Errorf("grib2: data section before grid definition")
	}
	n := d.msg.Ni * d.msg.Nj
	values := make([]float64, n)
	pow2 := math.Pow(2, float64(d.binScale))
	pow10 := math.Pow(10, float64(d.decScale))
	br := bitReader{data: sec[5:]}
	packed := 0
	for i := 0; i < n; i++ {
		if d.bitmap != nil && !d.bitmap[i] {
			values[i] = math.NaN()
			continue
		}
		var x uint64
		if d.bits > 0 {
			var err error
			x, err = br.read(d.bits)
			if err != nil {
				return fmt.Errorf("grib2: data section truncated: %w", err)
			}
		}
		values[i] = (d.refValue + float64(x)*pow2) / pow10
		packed++
	}
	if packed != d.numPacked {
		return fmt.Errorf("grib2: representation section declares %d packed values, data has %d", d.numPacked, packed)
	}
	d.msg.Values = values
	return nil
}

func axis(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func microdegrees(v int) float64 {
	return float64(v) * 1e-6
}

// GRIB2 signed integers are sign-and-magnitude, not two's complement.
func signMagnitude8(b byte) int {
	if b&0x80 != 0 {
		return -int(b & 0x7f)
	}
	return int(b)
}

func signMagnitude16(u uint16) int {
	if u&0x8000 != 0 {
		return -int(u & 0x7fff)
	}
	return int(u)
}

func signMagnitude32(u uint32) int {
	if u&0x80000000 != 0 {
		return -int(u & 0x7fffffff)
	}
	return int(u)
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) read(n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := r.pos >> 3
		if byteIdx >= len(r.data) {
			return 0, io.ErrUnexpectedEOF
		}
		bit := r.data[byteIdx] >> (7 - uint(r.pos&7)) & 1
		v = v<<1 | uint64(bit)
		r.pos++
	}
	return v, nil
}
