package snapshot

import (
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Layout holds every offset the builders follow. Offsets are relative to the object they are read
// from.
type Layout struct {
	List   ListLayout   `yaml:"list"`
	String StringLayout `yaml:"string"`
	Player PlayerLayout `yaml:"player"`
	Loot   LootLayout   `yaml:"loot"`
	Limits Limits       `yaml:"limits"`
}

// ListLayout describes a list header: a pointer to an element array plus an element count.
type ListLayout struct {
	Array uint64 `yaml:"array"` // header -> array pointer
	Count uint64 `yaml:"count"` // header -> int32 count
	First uint64 `yaml:"first"` // array -> first 8-byte element
}

// StringLayout describes a length-prefixed UTF-16 string object.
type StringLayout struct {
	Length uint64 `yaml:"length"` // int32 length in code units
	Chars  uint64 `yaml:"chars"`
}

type PlayerLayout struct {
	Profile   uint64 `yaml:"profile"`   // player -> profile pointer
	Transform uint64 `yaml:"transform"` // player -> transform pointer
	Side      uint64 `yaml:"side"`      // player -> int32 side
	Name      uint64 `yaml:"name"`      // profile -> name string pointer
	Position  uint64 `yaml:"position"`  // transform -> vec3
	Rotation  uint64 `yaml:"rotation"`  // transform -> 2 x float32
}

type LootLayout struct {
	Item           uint64 `yaml:"item"`            // loot object -> item pointer
	Class          uint64 `yaml:"class"`           // loot object -> class pointer
	Position       uint64 `yaml:"position"`        // loot object -> vec3
	ClassName      uint64 `yaml:"class_name"`      // class -> inline NUL-terminated name
	Template       uint64 `yaml:"template"`        // item -> template pointer
	ID             uint64 `yaml:"id"`              // template -> id string pointer
	Grid           uint64 `yaml:"grid"`            // item -> grid pointer, containers only
	GridItems      uint64 `yaml:"grid_items"`      // grid -> child array pointer
	GridCount      uint64 `yaml:"grid_count"`      // grid -> int32 child count
	ContainerClass string `yaml:"container_class"` // class name that marks containers
}

// Limits bounds every variable-length read.
type Limits struct {
	MaxList       int `yaml:"max_list"`
	MaxNameChars  int `yaml:"max_name_chars"`
	MaxIDChars    int `yaml:"max_id_chars"`
	MaxContents   int `yaml:"max_contents"`
	ClassNameSize int `yaml:"class_name_size"`
}

// DefaultLayout returns the layout used when a scene does not provide one.
func DefaultLayout() Layout {
	return Layout{
		List:   ListLayout{Array: 0x10, Count: 0x18, First: 0x20},
		String: StringLayout{Length: 0x10, Chars: 0x14},
		Player: PlayerLayout{
			Profile:   0x5a0,
			Transform: 0x88,
			Side:      0x8c0,
			Name:      0x28,
			Position:  0x90,
			Rotation:  0xa0,
		},
		Loot: LootLayout{
			Item:           0xb0,
			Class:          0x0,
			Position:       0x30,
			ClassName:      0x48,
			Template:       0x40,
			ID:             0x50,
			Grid:           0x78,
			GridItems:      0x18,
			GridCount:      0x20,
			ContainerClass: "LootableContainer",
		},
		Limits: Limits{
			MaxList:       4096,
			MaxNameChars:  32,
			MaxIDChars:    64,
			MaxContents:   32,
			ClassNameSize: 64,
		},
	}
}

// LoadLayout decodes a YAML layout from r. Fields missing from the document keep their defaults.
func LoadLayout(r io.Reader) (Layout, error) {
	layout := DefaultLayout()
	if err := yaml.NewDecoder(r).Decode(&layout); err != nil {
		return Layout{}, eris.Wrap(err, "failed to decode layout")
	}
	if err := layout.Validate(); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

// Validate checks the limits. Offsets cannot be validated without a target.
func (l *Layout) Validate() error {
	if l.Limits.MaxList < 1 {
		return eris.New("max_list must be at least 1")
	}
	if l.Limits.MaxNameChars < 1 || l.Limits.MaxIDChars < 1 {
		return eris.New("string limits must be at least 1")
	}
	if l.Limits.MaxContents < 0 {
		return eris.New("max_contents cannot be negative")
	}
	if l.Limits.ClassNameSize < 1 {
		return eris.New("class_name_size must be at least 1")
	}
	if l.Loot.ContainerClass == "" {
		return eris.New("container_class cannot be empty")
	}
	return nil
}
