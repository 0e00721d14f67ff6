package volumeio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// niftiHeader is the 348-byte NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr      int32
	DataTypeName   [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XYZTUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	TOffset        float32
	GLMax          int32
	GLMin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QOffsetX       float32
	QOffsetY       float32
	QOffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

const niftiHeaderSize = 348

// NIfTI datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// NIfTI reads and writes single-file NIfTI-1 volumes, gzip-compressed when
// the name ends in .gz. Coordinates are taken as stored; no RAS/LPS flip is
// applied.
type NIfTI struct {
	// MaxVoxels rejects files whose header declares more voxels (0 = unlimited)
	MaxVoxels int
}

// Import reads an intensity volume, applying scl_slope/scl_inter.
func (n NIfTI) Import(ctx context.Context, path string) (*models.Volume, error) {
	return n.read(ctx, path, true)
}

// ImportLabels reads a label volume. Scaling is ignored so labels stay integral.
func (n NIfTI) ImportLabels(ctx context.Context, path string) (*models.LabelVolume, error) {
	v, err := n.read(ctx, path, false)
	if err != nil {
		return nil, err
	}
	return toLabels(v), nil
}

func (n NIfTI) read(ctx context.Context, path string, scale bool) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	compressed := strings.HasSuffix(strings.ToLower(path), ".gz")
	var r io.Reader = bufio.NewReader(f)
	if compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %v", err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read NIfTI header: %v", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, fmt.Errorf("%w: %s is not a NIfTI-1 file", ErrUnsupported, path)
		}
	}
	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode NIfTI header: %v", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: only single-file NIfTI-1 is supported (magic %q)", ErrUnsupported, hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 2 || ndim > 7 {
		return nil, fmt.Errorf("invalid NIfTI dimension count %d", ndim)
	}
	dims := [3]int{1, 1, 1}
	for k := 0; k < 3 && k < ndim; k++ {
		dims[k] = int(hdr.Dim[k+1])
		if dims[k] <= 0 {
			return nil, fmt.Errorf("invalid NIfTI dimension %d = %d", k+1, dims[k])
		}
	}
	size, err := voxelSize(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	// Each dim is an int16, so the product cannot overflow int64
	count := int64(dims[0]) * int64(dims[1]) * int64(dims[2])
	if err := checkBudget(count, n.MaxVoxels); err != nil {
		return nil, fmt.Errorf("%s declares %dx%dx%d voxels: %w", path, dims[0], dims[1], dims[2], err)
	}
	need := count * int64(size)

	start := int64(niftiHeaderSize)
	if vo := float64(hdr.VoxOffset); vo > niftiHeaderSize {
		if vo > math.MaxInt32 {
			return nil, fmt.Errorf("%w: vox_offset %v", ErrTruncated, hdr.VoxOffset)
		}
		start = int64(vo)
	}
	if !compressed {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if have := info.Size() - start; have < need {
			return nil, fmt.Errorf("%w: %s holds %d voxel bytes, header declares %d", ErrTruncated, path, max(have, 0), need)
		}
	}

	// Skip the extension block between the header and the voxels
	if off := start - niftiHeaderSize; off > 0 {
		if _, err := io.CopyN(io.Discard, r, off); err != nil {
			return nil, fmt.Errorf("%w: failed to skip NIfTI extensions: %v", ErrTruncated, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Read before allocating the volume so a lying header costs at most the
	// bytes actually present.
	data, err := io.ReadAll(io.LimitReader(r, need))
	if err != nil {
		return nil, fmt.Errorf("failed to read NIfTI voxels: %v", err)
	}
	if int64(len(data)) < need {
		return nil, fmt.Errorf("%w: %s holds %d voxel bytes, header declares %d", ErrTruncated, path, len(data), need)
	}

	vol := models.NewVolume(dims[0], dims[1], dims[2])
	vol.Geometry = niftiGeometry(&hdr, dims)
	vol.Metadata = map[string]string{"format": "nifti"}
	if d := strings.TrimRight(string(hdr.Descrip[:]), "\x00 "); d != "" {
		vol.Metadata["description"] = d
	}
	decodeVoxels(data, size, order, hdr.Datatype, vol.Data)

	if scale && hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	vol.UpdateRange()
	return vol, nil
}

// voxelSize returns the bytes per voxel of a supported datatype.
func voxelSize(datatype int16) (int, error) {
	switch datatype {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: NIfTI datatype %d", ErrUnsupported, datatype)
}

// decodeVoxels converts len(out) voxels of the given datatype from buf.
func decodeVoxels(buf []byte, size int, order binary.ByteOrder, datatype int16, out []float64) {
	for i := range out {
		b := buf[i*size:]
		switch datatype {
		case dtUint8:
			out[i] = float64(b[0])
		case dtInt8:
			out[i] = float64(int8(b[0]))
		case dtInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			out[i] = float64(order.Uint16(b))
		case dtInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case dtUint32:
			out[i] = float64(order.Uint32(b))
		case dtFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
}

// niftiGeometry prefers the sform affine, then the qform quaternion, then
// plain pixdim spacing at the origin.
func niftiGeometry(h *niftiHeader, dims [3]int) models.Geometry {
	g := models.NewGeometry(dims[0], dims[1], dims[2])

	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		var sp [3]float64
		for c := 0; c < 3; c++ {
			col := r3.Vec{X: float64(rows[0][c]), Y: float64(rows[1][c]), Z: float64(rows[2][c])}
			sp[c] = r3.Norm(col)
			if sp[c] == 0 {
				return pixdimGeometry(h, dims)
			}
			for r := 0; r < 3; r++ {
				g.Direction[r*3+c] = float64(rows[r][c]) / sp[c]
			}
		}
		g.Spacing = r3.Vec{X: sp[0], Y: sp[1], Z: sp[2]}
		g.Origin = r3.Vec{X: float64(h.SrowX[3]), Y: float64(h.SrowY[3]), Z: float64(h.SrowZ[3])}
		return g

	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 0 {
			a = 0
		}
		a = math.Sqrt(a)
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		g.Direction = [9]float64{
			a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac,
			2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac,
			2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - b*b - c*c) * qfac,
		}
		g.Spacing = pixdimSpacing(h)
		g.Origin = r3.Vec{X: float64(h.QOffsetX), Y: float64(h.QOffsetY), Z: float64(h.QOffsetZ)}
		return g
	}
	return pixdimGeometry(h, dims)
}

func pixdimGeometry(h *niftiHeader, dims [3]int) models.Geometry {
	g := models.NewGeometry(dims[0], dims[1], dims[2])
	g.Spacing = pixdimSpacing(h)
	return g
}

func pixdimSpacing(h *niftiHeader) r3.Vec {
	s := [3]float64{1, 1, 1}
	for k := 0; k < 3; k++ {
		if v := math.Abs(float64(h.Pixdim[k+1])); v > 0 {
			s[k] = v
		}
	}
	return r3.Vec{X: s[0], Y: s[1], Z: s[2]}
}

// Export writes vol as float32 NIfTI-1 with an sform carrying its full geometry.
func (NIfTI) Export(ctx context.Context, path string, vol *models.Volume) error {
	if vol == nil || len(vol.Data) != vol.Len() {
		return fmt.Errorf("cannot export an invalid volume")
	}
	// NIfTI-1 stores each dimension as an int16
	if vol.Width > math.MaxInt16 || vol.Height > math.MaxInt16 || vol.Depth > math.MaxInt16 {
		return fmt.Errorf("%w: %dx%dx%d exceeds the NIfTI-1 limit of %d per axis", ErrUnsupported, vol.Width, vol.Height, vol.Depth, math.MaxInt16)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	hdr := exportHeader(vol)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %v", err)
	}
	// Empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %v", err)
	}

	buf := make([]byte, 4*vol.Width)
	for row := 0; row < vol.Height*vol.Depth; row++ {
		if row%vol.Height == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		src := vol.Data[row*vol.Width : (row+1)*vol.Width]
		for i, v := range src {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write NIfTI voxels: %v", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %v", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return f.Close()
}

func exportHeader(vol *models.Volume) niftiHeader {
	var h niftiHeader
	h.SizeofHdr = niftiHeaderSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	h.Datatype = dtFloat32
	h.Bitpix = 32
	h.Pixdim = [8]float32{1, float32(vol.Spacing.X), float32(vol.Spacing.Y), float32(vol.Spacing.Z), 1, 1, 1, 1}
	h.VoxOffset = niftiHeaderSize + 4
	h.SclSlope = 1
	h.XYZTUnits = 2 // millimetres
	h.CalMin = float32(vol.MinIntensity)
	h.CalMax = float32(vol.MaxIntensity)
	copy(h.Descrip[:], "mprengine export")
	h.SformCode = 1

	sp := [3]float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}
	o := [3]float64{vol.Origin.X, vol.Origin.Y, vol.Origin.Z}
	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(vol.Direction[r*3+c] * sp[c])
		}
		rows[r][3] = float32(o[r])
	}
	copy(h.Magic[:], "n+1\x00")
	return h
}
