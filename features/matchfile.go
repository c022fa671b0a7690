package features

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WriteMatchFile encodes kps1 and kps2 to the binary *.match format (spec
// section 6): uint64 n1, uint64 n2, then n1+n2 fixed-layout keypoint
// records.
func WriteMatchFile(w io.Writer, kps1, kps2 []Keypoint) error {
	if err := writeU64(w, uint64(len(kps1))); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(kps2))); err != nil {
		return err
	}
	for _, kp := range kps1 {
		if err := writeKeypoint(w, kp); err != nil {
			return err
		}
	}
	for _, kp := range kps2 {
		if err := writeKeypoint(w, kp); err != nil {
			return err
		}
	}
	return nil
}

// ReadMatchFile decodes a *.match file back into its two keypoint sets.
func ReadMatchFile(r io.Reader) (kps1, kps2 []Keypoint, err error) {
	n1, err := readU64(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "match file n1")
	}
	n2, err := readU64(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "match file n2")
	}
	kps1, err = readKeypoints(r, n1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "match file keypoints1")
	}
	kps2, err = readKeypoints(r, n2)
	if err != nil {
		return nil, nil, errors.Wrap(err, "match file keypoints2")
	}
	return kps1, kps2, nil
}

func readKeypoints(r io.Reader, n uint64) ([]Keypoint, error) {
	kps := make([]Keypoint, n)
	for i := range kps {
		kp, err := readKeypoint(r)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		kps[i] = kp
	}
	return kps, nil
}

func writeKeypoint(w io.Writer, kp Keypoint) error {
	fields := []interface{}{
		float32(kp.X), float32(kp.Y),
		kp.IX, kp.IY,
		kp.Orientation, kp.Scale, kp.Interest,
		kp.Polarity,
		kp.Octave, kp.ScaleLvl,
		uint64(len(kp.Descriptor)),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, kp.Descriptor)
}

func readKeypoint(r io.Reader) (Keypoint, error) {
	var kp Keypoint
	var x, y float32
	if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &y); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.IX); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.IY); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.Orientation); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.Scale); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.Interest); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.Polarity); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.Octave); err != nil {
		return kp, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kp.ScaleLvl); err != nil {
		return kp, err
	}
	var descLen uint64
	if err := binary.Read(r, binary.LittleEndian, &descLen); err != nil {
		return kp, err
	}
	kp.Descriptor = make([]float32, descLen)
	if descLen > 0 {
		if err := binary.Read(r, binary.LittleEndian, &kp.Descriptor); err != nil {
			return kp, err
		}
	}
	kp.X, kp.Y = float64(x), float64(y)
	return kp, nil
}

func writeU64(w io.Writer, v uint64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
