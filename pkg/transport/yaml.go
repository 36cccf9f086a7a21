package transport

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ImageFile is the YAML form of an Image: zero-filled regions followed by typed writes.
//
//	regions:
//	  - {base: 0x10000, size: 0x1000}
//	writes:
//	  - {addr: 0x10000, ptr: 0x20000}
//	  - {addr: 0x20010, str: "XYZ1"}
type ImageFile struct {
	Regions []RegionSpec `yaml:"regions"`
	Writes  []WriteSpec  `yaml:"writes"`
}

type RegionSpec struct {
	Base uint64 `yaml:"base"`
	Size int    `yaml:"size"`
}

// WriteSpec is a single typed write. Exactly one value field must be set.
type WriteSpec struct {
	Addr  uint64    `yaml:"addr"`
	U32   *uint32   `yaml:"u32,omitempty"`
	I32   *int32    `yaml:"i32,omitempty"`
	U64   *uint64   `yaml:"u64,omitempty"`
	Ptr   *uint64   `yaml:"ptr,omitempty"`
	F32   *float32  `yaml:"f32,omitempty"`
	Vec3  []float32 `yaml:"vec3,omitempty"`
	Str   *string   `yaml:"str,omitempty"`
	UTF16 *string   `yaml:"utf16,omitempty"`
	Hex   string    `yaml:"hex,omitempty"`
}

// LoadImage decodes an ImageFile document from r and builds the Image.
func LoadImage(r io.Reader) (*Image, error) {
	var f ImageFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, eris.Wrap(err, "failed to decode image file")
	}
	return f.Build()
}

// Build materializes the file into a fresh Image.
func (f *ImageFile) Build() (*Image, error) {
	img := NewImage()
	for i, spec := range f.Regions {
		if spec.Size <= 0 {
			return nil, eris.Errorf("region %d: size must be positive", i)
		}
		if err := img.Map(Address(spec.Base), make([]byte, spec.Size)); err != nil {
			return nil, eris.Wrapf(err, "region %d", i)
		}
	}
	for i, w := range f.Writes {
		if err := w.apply(img); err != nil {
			return nil, eris.Wrapf(err, "write %d at 0x%x", i, w.Addr)
		}
	}
	return img, nil
}

func (w *WriteSpec) apply(img *Image) error {
	addr := Address(w.Addr)
	set := 0
	if w.U32 != nil {
		set++
		img.WriteU32(addr, *w.U32)
	}
	if w.I32 != nil {
		set++
		img.WriteI32(addr, *w.I32)
	}
	if w.U64 != nil {
		set++
		img.WriteU64(addr, *w.U64)
	}
	if w.Ptr != nil {
		set++
		img.WritePtr(addr, Address(*w.Ptr))
	}
	if w.F32 != nil {
		set++
		img.WriteF32(addr, *w.F32)
	}
	if w.Vec3 != nil {
		set++
		if len(w.Vec3) != 3 {
			return eris.Errorf("vec3 needs 3 components, got %d", len(w.Vec3))
		}
		img.WriteVec3(addr, w.Vec3[0], w.Vec3[1], w.Vec3[2])
	}
	if w.Str != nil {
		set++
		img.WriteCString(addr, *w.Str)
	}
	if w.UTF16 != nil {
		set++
		if _, err := img.WriteUTF16(addr, *w.UTF16); err != nil {
			return err
		}
	}
	if w.Hex != "" {
		set++
		b, err := hex.DecodeString(strings.Join(strings.Fields(w.Hex), ""))
		if err != nil {
			return eris.Wrap(err, "invalid hex payload")
		}
		img.Write(addr, b)
	}
	if set != 1 {
		return eris.Errorf("expected exactly one value, got %d", set)
	}
	return nil
}
