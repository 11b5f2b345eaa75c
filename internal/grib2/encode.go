package grib2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Field describes one message for Encode. Values are row-major in scan
// order (Nj rows of Ni); NaN marks masked points.
type Field struct {
	Discipline        int
	ParameterCategory int
	ParameterNumber   int
	RefTime           time.Time

	La1, Lo1   float64 // first grid point, degrees; Lo1 in [0, 360)
	DLat, DLon float64 // steps in degrees; DLat < 0 scans north to south
	Ni, Nj     int

	DecimalScale int
	Values       []float64
}

// Encode renders the field as a single GRIB2 message using grid template
// 3.0 and simple packing with a binary scale of 2^0, so values survive a
// round trip to DecimalScale digits. Used by mkgrid and by tests that need
// real archive bytes.
func Encode(f Field) ([]byte, error) {
	if f.Ni <= 0 || f.Nj <= 0 {
		return nil, fmt.Errorf("grib2: invalid grid %dx%d", f.Nj, f.Ni)
	}
	n := f.Ni * f.Nj
	if len(f.Values) != n {
		return nil, fmt.Errorf("grib2: %d values for a %dx%d grid", len(f.Values), f.Nj, f.Ni)
	}
	if f.DLon <= 0 {
		return nil, errors.New("grib2: DLon must be positive")
	}
	if f.Lo1 < 0 || f.Lo1 >= 360 {
		return nil, fmt.Errorf("grib2: Lo1 %v outside [0,360)", f.Lo1)
	}

	pow10 := math.Pow(10, float64(f.DecimalScale))
	present := make([]bool, n)
	scaled := make([]int64, 0, n)
	var minS, maxS int64
	first := true
	for i, v := range f.Values {
		if math.IsNaN(v) {
			continue
		}
		present[i] = true
		s := int64(math.Round(v * pow10))
		if first {
			minS, maxS, first = s, s, false
		} else if s < minS {
			minS = s
		} else if s > maxS {
			maxS = s
		}
		scaled = append(scaled, s)
	}
	if first {
		return nil, errors.New("grib2: all points masked")
	}
	nbits := bits.Len64(uint64(maxS - minS))

	var w bitWriter
	k := 0
	for i := 0; i < n; i++ {
		if !present[i] {
			continue
		}
		w.write(uint64(scaled[k]-minS), nbits)
		k++
	}

	sec1 := section(1, sec1Body(f.RefTime))
	sec3 := section(3, sec3Body(f))
	sec4 := section(4, sec4Body(f))
	sec5 := section(5, sec5Body(len(scaled), float32(minS), f.DecimalScale, nbits))
	var sec6 []byte
	if len(scaled) != n {
		body := make([]byte, 1+(n+7)/8) // indicator 0: bitmap attached
		for i := 0; i < n; i++ {
			if present[i] {
				body[1+i/8] |= 1 << (7 - uint(i%8))
			}
		}
		sec6 = section(6, body)
	} else {
		sec6 = section(6, []byte{255})
	}
	sec7 := section(7, w.buf)

	total := 16 + len(sec1) + len(sec3) + len(sec4) + len(sec5) + len(sec6) + len(sec7) + 4
	out := make([]byte, 0, total)
	out = append(out, 'G', 'R', 'I', 'B', 0, 0, byte(f.Discipline), 2)
	out = binary.BigEndian.AppendUint64(out, uint64(total))
	out = append(out, sec1...)
	out = append(out, sec3...)
	out = append(out, sec4...)
	out = append(out, sec5...)
	out = append(out, sec6...)
	out = append(out, sec7...)
	out = append(out, '7', '7', '7', '7')
	return out, nil
}

func section(num byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+5)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)+5))
	out = append(out, num)
	return append(out, body...)
}

func sec1Body(ref time.Time) []byte {
	b := make([]byte, 0, 16)
	b = binary.BigEndian.AppendUint16(b, 161) // originating centre: NOAA/OAR
	b = binary.BigEndian.AppendUint16(b, 0)
	b = append(b, 2, 1, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(ref.Year()))
	b = append(b, byte(ref.Month()), byte(ref.Day()), byte(ref.Hour()), byte(ref.Minute()), byte(ref.Second()), 0, 0)
	return b
}

func sec3Body(f Field) []byte {
	la2 := f.La1 + f.DLat*float64(f.Nj-1)
	lo2 := f.Lo1 + f.DLon*float64(f.Ni-1)
	scan := byte(0x00)
	dlat := f.DLat
	if dlat >= 0 {
		scan = 0x40 // j scans south to north
	} else {
		dlat = -dlat
	}

	b := make([]byte, 0, 67)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(f.Ni*f.Nj))
	b = append(b, 0, 0)
	b = binary.BigEndian.AppendUint16(b, 0) // grid definition template 3.0
	b = append(b, 1, 0)                     // spherical earth, explicit radius
	b = binary.BigEndian.AppendUint32(b, 6371200)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(f.Ni))
	b = binary.BigEndian.AppendUint32(b, uint32(f.Nj))
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, signMagnitudeEncode32(round6(f.La1)))
	b = binary.BigEndian.AppendUint32(b, signMagnitudeEncode32(round6(f.Lo1)))
	b = append(b, 0x30) // i and j increments given
	b = binary.BigEndian.AppendUint32(b, signMagnitudeEncode32(round6(la2)))
	b = binary.BigEndian.AppendUint32(b, signMagnitudeEncode32(round6(lo2)))
	b = binary.BigEndian.AppendUint32(b, uint32(round6(f.DLon)))
	b = binary.BigEndian.AppendUint32(b, uint32(round6(dlat)))
	return append(b, scan)
}

func sec4Body(f Field) []byte {
	b := make([]byte, 0, 29)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint16(b, 0) // product definition template 4.0
	b = append(b, byte(f.ParameterCategory), byte(f.ParameterNumber), 0, 0, 0)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = append(b, 0, 0) // time unit: minute
	b = binary.BigEndian.AppendUint32(b, 0)
	b = append(b, 102, 0) // first surface: height above mean sea level
	b = binary.BigEndian.AppendUint32(b, 0)
	b = append(b, 255, 0xff) // second surface missing
	b = binary.BigEndian.AppendUint32(b, 0xffffffff)
	return b
}

func sec5Body(numPacked int, ref float32, decScale, nbits int) []byte {
	b := make([]byte, 0, 16)
	b = binary.BigEndian.AppendUint32(b, uint32(numPacked))
	b = binary.BigEndian.AppendUint16(b, 0) // data representation template 5.0
	b = binary.BigEndian.AppendUint32(b, math.Float32bits(ref))
	b = binary.BigEndian.AppendUint16(b, 0) // binary scale 2^0
	b = binary.BigEndian.AppendUint16(b, signMagnitudeEncode16(decScale))
	return append(b, byte(nbits), 0)
}

func round6(deg float64) int {
	return int(math.Round(deg * 1e6))
}

func signMagnitudeEncode16(v int) uint16 {
	if v < 0 {
		return 0x8000 | uint16(-v)
	}
	return uint16(v)
}

func signMagnitudeEncode32(v int) uint32 {
	if v < 0 {
		return 0x80000000 | uint32(-v)
	}
	return uint32(v)
}

type bitWriter struct {
	buf   []byte
	nbits int
}

func (w *bitWriter) write(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbits%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - uint(w.nbits%8))
		}
		w.nbits++
	}
}
