package snapshot

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Scene is a self-contained snapshot target: a layout, the list roots, and the memory image.
//
//	layout:
//	  limits: {max_list: 128}
//	roots: {players: 0x1000, loot: 0x2000}
//	image:
//	  writes:
//	    - {addr: 0x1010, ptr: 0x3000}
type Scene struct {
	Layout Layout
	Roots  Roots
	Image  *transport.Image
}

type sceneFile struct {
	Layout Layout              `yaml:"layout"`
	Roots  Roots               `yaml:"roots"`
	Image  transport.ImageFile `yaml:"image"`
}

// LoadScene decodes a scene document. Layout fields missing from the document keep their defaults.
func LoadScene(r io.Reader) (*Scene, error) {
	f := sceneFile{Layout: DefaultLayout()}
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, eris.Wrap(err, "failed to decode scene")
	}
	if err := f.Layout.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid scene layout")
	}
	img, err := f.Image.Build()
	if err != nil {
		return nil, eris.Wrap(err, "invalid scene image")
	}
	return &Scene{Layout: f.Layout, Roots: f.Roots, Image: img}, nil
}
