package mrd

import (
	"errors"
	"fmt"
)

// The record types below keep their fixed ISMRMRD headers as raw bytes.
// This package only interprets the fields that decide how many payload
// bytes follow; everything else belongs to the reconstruction engine.

// ErrRecordTooLarge is returned when a record header announces a payload
// larger than MaxRecordBytes.
var ErrRecordTooLarge = errors.New("mrd: record payload too large")

// MaxRecordBytes bounds the payload of a single acquisition, waveform or
// image record.
const MaxRecordBytes = 1 << 30

// headerVersion is the ISMRMRD header version written by NewAcquisition,
// NewWaveform and NewImage.
const headerVersion = 1

// ── Acquisition ──────────────────────────────────────────────────────

// AcquisitionHeaderSize is the size of the packed ISMRMRD acquisition header.
const AcquisitionHeaderSize = 340

const (
	acqFlags                = 2
	acqScanCounter          = 14
	acqNumberOfSamples      = 34
	acqAvailableChannels    = 36
	acqActiveChannels       = 38
	acqTrajectoryDimensions = 176
)

// Acquisition is one readout of raw k-space samples.
type Acquisition struct {
	Head [AcquisitionHeaderSize]byte
	Traj []byte // float32 × trajectory_dimensions × number_of_samples
	Data []byte // complex64 × active_channels × number_of_samples
}

// NewAcquisition returns a zeroed acquisition sized for the given shape.
func NewAcquisition(samples, channels, trajDims int) *Acquisition {
	a := &Acquisition{}
	byteOrder.PutUint16(a.Head[0:], headerVersion)
	byteOrder.PutUint16(a.Head[acqNumberOfSamples:], uint16(samples))
	byteOrder.PutUint16(a.Head[acqAvailableChannels:], uint16(channels))
	byteOrder.PutUint16(a.Head[acqActiveChannels:], uint16(channels))
	byteOrder.PutUint16(a.Head[acqTrajectoryDimensions:], uint16(trajDims))
	a.Traj = make([]byte, a.trajBytes())
	a.Data = make([]byte, a.dataBytes())
	return a
}

func (a *Acquisition) Flags() uint64 { return byteOrder.Uint64(a.Head[acqFlags:]) }

func (a *Acquisition) ScanCounter() uint32 { return byteOrder.Uint32(a.Head[acqScanCounter:]) }

// SetScanCounter stores the acquisition's position in the scan.
func (a *Acquisition) SetScanCounter(n uint32) { byteOrder.PutUint32(a.Head[acqScanCounter:], n) }

func (a *Acquisition) NumberOfSamples() int {
	return int(byteOrder.Uint16(a.Head[acqNumberOfSamples:]))
}

func (a *Acquisition) ActiveChannels() int {
	return int(byteOrder.Uint16(a.Head[acqActiveChannels:]))
}

func (a *Acquisition) TrajectoryDimensions() int {
	return int(byteOrder.Uint16(a.Head[acqTrajectoryDimensions:]))
}

func (a *Acquisition) trajBytes() int64 {
	return int64(a.TrajectoryDimensions()) * int64(a.NumberOfSamples()) * 4
}

func (a *Acquisition) dataBytes() int64 {
	return int64(a.ActiveChannels()) * int64(a.NumberOfSamples()) * 8
}

// ── Waveform ─────────────────────────────────────────────────────────

// WaveformHeaderSize is the size of the (naturally aligned) waveform header.
const WaveformHeaderSize = 40

const (
	wavScanCounter     = 20
	wavNumberOfSamples = 28
	wavChannels        = 30
	wavWaveformID      = 36
)

// Waveform is a block of physiological or gradient samples.
type Waveform struct {
	Head [WaveformHeaderSize]byte
	Data []byte // uint32 × channels × number_of_samples
}

// NewWaveform returns a zeroed waveform sized for the given shape.
func NewWaveform(samples, channels int, waveformID uint16) *Waveform {
	w := &Waveform{}
	byteOrder.PutUint16(w.Head[0:], headerVersion)
	byteOrder.PutUint16(w.Head[wavNumberOfSamples:], uint16(samples))
	byteOrder.PutUint16(w.Head[wavChannels:], uint16(channels))
	byteOrder.PutUint16(w.Head[wavWaveformID:], waveformID)
	w.Data = make([]byte, w.dataBytes())
	return w
}

func (w *Waveform) ScanCounter() uint32 { return byteOrder.Uint32(w.Head[wavScanCounter:]) }

func (w *Waveform) NumberOfSamples() int {
	return int(byteOrder.Uint16(w.Head[wavNumberOfSamples:]))
}

func (w *Waveform) Channels() int { return int(byteOrder.Uint16(w.Head[wavChannels:])) }

func (w *Waveform) WaveformID() uint16 { return byteOrder.Uint16(w.Head[wavWaveformID:]) }

func (w *Waveform) dataBytes() int64 {
	return int64(w.Channels()) * int64(w.NumberOfSamples()) * 4
}

// ── Image ────────────────────────────────────────────────────────────

// ImageHeaderSize is the size of the packed ISMRMRD image header.
const ImageHeaderSize = 198

const (
	imgDataType         = 2
	imgMatrixSize       = 16
	imgChannels         = 34
	imgImageType        = 124
	imgImageIndex       = 126
	imgImageSeriesIndex = 128
	imgAttributeLen     = 194
)

// DataType is the element type of an image's pixel data.
type DataType uint16

const (
	DataUShort   DataType = 1
	DataShort    DataType = 2
	DataUInt     DataType = 3
	DataInt      DataType = 4
	DataFloat    DataType = 5
	DataDouble   DataType = 6
	DataCxFloat  DataType = 7
	DataCxDouble DataType = 8
)

var dataTypeSizes = map[DataType]int64{
	DataUShort:   2,
	DataShort:    2,
	DataUInt:     4,
	DataInt:      4,
	DataFloat:    4,
	DataDouble:   8,
	DataCxFloat:  8,
	DataCxDouble: 16,
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DataType) Size() int64 { return dataTypeSizes[d] }

// ImageType classifies an image's pixel values.
type ImageType uint16

const (
	ImageMagnitude ImageType = 1
	ImagePhase     ImageType = 2
	ImageReal      ImageType = 3
	ImageImag      ImageType = 4
	ImageComplex   ImageType = 5
)

// Image is one reconstructed (or pass-through) image.
type Image struct {
	Head       [ImageHeaderSize]byte
	Attributes string // ISMRMRD meta attributes, usually XML
	Data       []byte // DataType × channels × matrix_size[2] × [1] × [0]
}

// NewImage returns a zeroed image of the given type and shape.
func NewImage(dt DataType, x, y, z, channels int) (*Image, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("mrd: unknown image data type %d", dt)
	}
	img := &Image{}
	byteOrder.PutUint16(img.Head[0:], headerVersion)
	byteOrder.PutUint16(img.Head[imgDataType:], uint16(dt))
	byteOrder.PutUint16(img.Head[imgMatrixSize:], uint16(x))
	byteOrder.PutUint16(img.Head[imgMatrixSize+2:], uint16(y))
	byteOrder.PutUint16(img.Head[imgMatrixSize+4:], uint16(z))
	byteOrder.PutUint16(img.Head[imgChannels:], uint16(channels))
	n, err := img.dataBytes()
	if err != nil {
		return nil, err
	}
	img.Data = make([]byte, n)
	return img, nil
}

func (img *Image) DataType() DataType { return DataType(byteOrder.Uint16(img.Head[imgDataType:])) }

// MatrixSize returns the x, y and z extent of the image.
func (img *Image) MatrixSize() [3]int {
	return [3]int{
		int(byteOrder.Uint16(img.Head[imgMatrixSize:])),
		int(byteOrder.Uint16(img.Head[imgMatrixSize+2:])),
		int(byteOrder.Uint16(img.Head[imgMatrixSize+4:])),
	}
}

func (img *Image) Channels() int { return int(byteOrder.Uint16(img.Head[imgChannels:])) }

func (img *Image) ImageType() ImageType {
	return ImageType(byteOrder.Uint16(img.Head[imgImageType:]))
}

func (img *Image) SetImageType(t ImageType) { byteOrder.PutUint16(img.Head[imgImageType:], uint16(t)) }

func (img *Image) ImageIndex() int { return int(byteOrder.Uint16(img.Head[imgImageIndex:])) }

func (img *Image) SetImageIndex(i int) { byteOrder.PutUint16(img.Head[imgImageIndex:], uint16(i)) }

func (img *Image) ImageSeriesIndex() int {
	return int(byteOrder.Uint16(img.Head[imgImageSeriesIndex:]))
}

func (img *Image) SetImageSeriesIndex(i int) {
	byteOrder.PutUint16(img.Head[imgImageSeriesIndex:], uint16(i))
}

func (img *Image) dataBytes() (int64, error) {
	size := img.DataType().Size()
	if size == 0 {
		return 0, fmt.Errorf("mrd: unknown image data type %d", img.DataType())
	}
	m := img.MatrixSize()
	n := int64(m[0]) * int64(m[1]) * int64(m[2]) * int64(img.Channels()) * size
	if n > MaxRecordBytes {
		return 0, fmt.Errorf("%w: image data %d bytes", ErrRecordTooLarge, n)
	}
	return n, nil
}

// Validate reports whether the image's payload matches its header, i.e.
// whether EncodeImage would accept it.
func (img *Image) Validate() error {
	n, err := img.dataBytes()
	if err != nil {
		return err
	}
	if int64(len(img.Data)) != n {
		return fmt.Errorf("mrd: image payload does not match header (data %d, want %d)",
			len(img.Data), n)
	}
	return nil
}
