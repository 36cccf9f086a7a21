package snapshot

import (
	"fmt"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

// SynthOptions controls Synthesize.
type SynthOptions struct {
	Players       int     // Number of players
	Loot          int     // Number of loot objects
	ContainerRate float64 // Fraction of loot objects that are containers
	BrokenRate    float64 // Fraction of objects whose chain ends in a null pointer
	Base          uint64  // Start of the synthesized heap; 0 picks a default
}

// World is what a correct refresh of a synthesized image returns, minus first-seen times.
type World struct {
	Roots   Roots
	Players []Player
	Loot    []Loot
}

var playerNames = []string{"Ödön", "Nikita", "Жора", "Kappa", "Wraith", "Søren", "Bear", "Mikaela"}

// Synthesize writes a consistent world into img following layout and returns the roots and the
// expected result. Broken objects are present in the lists but absent from the returned world.
func Synthesize(img *transport.Image, layout *Layout, opts SynthOptions, prng *rand.Rand) (World, error) {
	if err := layout.Validate(); err != nil {
		return World{}, eris.Wrap(err, "invalid layout")
	}
	if opts.Players < 0 || opts.Loot < 0 {
		return World{}, eris.New("object counts cannot be negative")
	}
	if opts.Players > layout.Limits.MaxList || opts.Loot > layout.Limits.MaxList {
		return World{}, eris.Errorf("object counts cannot exceed max_list %d", layout.Limits.MaxList)
	}
	base := transport.Address(opts.Base)
	if base == 0 {
		base = 0x2_0000_0000
	}

	s := &synth{img: img, layout: layout, prng: prng, next: base, opts: opts}
	var world World

	playerAddrs := make([]transport.Address, opts.Players)
	for i := range playerAddrs {
		addr, pl, ok, err := s.player(i)
		if err != nil {
			return World{}, err
		}
		playerAddrs[i] = addr
		if ok {
			world.Players = append(world.Players, pl)
		}
	}

	itemClass := s.class("ObservedLootItem")
	containerClass := s.class(layout.Loot.ContainerClass)
	lootAddrs := make([]transport.Address, opts.Loot)
	for i := range lootAddrs {
		container := s.chance(opts.ContainerRate)
		class := itemClass
		if container {
			class = containerClass
		}
		addr, loot, ok, err := s.loot(class, container)
		if err != nil {
			return World{}, err
		}
		lootAddrs[i] = addr
		if ok {
			world.Loot = append(world.Loot, loot)
		}
	}

	world.Roots = Roots{Players: uint64(s.list(playerAddrs)), Loot: uint64(s.list(lootAddrs))}
	return world, nil
}

type synth struct {
	img    *transport.Image
	layout *Layout
	prng   *rand.Rand
	next   transport.Address
	opts   SynthOptions
}

// alloc reserves and zeroes size bytes at a 16-byte aligned address, leaving a gap after it.
func (s *synth) alloc(size uint64) transport.Address {
	addr := s.next
	s.img.Write(addr, make([]byte, size))
	s.next += transport.Address((size + 0x1f) &^ 0xf)
	return addr
}

func (s *synth) chance(p float64) bool { return s.prng.Float64() < p }

func (s *synth) vec3() Vec3 {
	return Vec3{X: s.prng.Float32()*1000 - 500, Y: s.prng.Float32() * 50, Z: s.prng.Float32()*1000 - 500}
}

func (s *synth) ptr(at transport.Address, target transport.Address) { s.img.WritePtr(at, target) }

func (s *synth) vecAt(at transport.Address, v Vec3) { s.img.WriteVec3(at, v.X, v.Y, v.Z) }

// str writes a string object and returns its address.
func (s *synth) str(v string) (transport.Address, error) {
	l := &s.layout.String
	lim := &s.layout.Limits
	chars := max(len(v)*2, lim.MaxIDChars, lim.MaxNameChars) * 2
	addr := s.alloc(l.Chars + uint64(chars)) //nolint:gosec // positive
	units, err := s.img.WriteUTF16(addr.Add(l.Chars), v)
	if err != nil {
		return 0, err
	}
	s.img.WriteI32(addr.Add(l.Length), int32(units)) //nolint:gosec // short strings
	return addr, nil
}

// truncated returns what a reader limited to maxChars code units decodes from v.
func truncated(v string, maxChars int) string {
	r := []rune(v)
	out := make([]rune, 0, len(r))
	units := 0
	for _, c := range r {
		n := 1
		if c > 0xffff {
			n = 2
		}
		if units+n > maxChars {
			break
		}
		units += n
		out = append(out, c)
	}
	return string(out)
}

func (s *synth) class(name string) transport.Address {
	addr := s.alloc(s.layout.Loot.ClassName + uint64(s.layout.Limits.ClassNameSize)) //nolint:gosec // positive
	s.img.WriteCString(addr.Add(s.layout.Loot.ClassName), name)
	return addr
}

func (s *synth) list(elems []transport.Address) transport.Address {
	l := &s.layout.List
	head := s.alloc(max(l.Array, l.Count) + 8)
	array := s.alloc(l.First + uint64(len(elems))*8)
	s.ptr(head.Add(l.Array), array)
	s.img.WriteI32(head.Add(l.Count), int32(len(elems))) //nolint:gosec // bounded by MaxList
	for i, e := range elems {
		s.ptr(array.Add(l.First+uint64(i)*8), e) //nolint:gosec // non-negative
	}
	return head
}

func (s *synth) player(i int) (transport.Address, Player, bool, error) {
	l := &s.layout.Player
	addr := s.alloc(max(l.Profile, l.Transform, l.Side) + 8)
	profile := s.alloc(l.Name + 8)
	transform := s.alloc(max(l.Position+12, l.Rotation+8))

	name := fmt.Sprintf("%s%d", playerNames[i%len(playerNames)], i)
	nameAddr, err := s.str(name)
	if err != nil {
		return 0, Player{}, false, err
	}
	pl := Player{
		Addr:     addr,
		Name:     truncated(name, s.layout.Limits.MaxNameChars),
		Side:     int32(1 << s.prng.IntN(3)), //nolint:gosec // small
		Position: s.vec3(),
		Rotation: [2]float32{s.prng.Float32() * 360, s.prng.Float32()*180 - 90},
	}

	broken := s.chance(s.opts.BrokenRate)
	if broken {
		profile = 0
	}
	s.ptr(addr.Add(l.Profile), profile)
	s.ptr(addr.Add(l.Transform), transform)
	s.img.WriteI32(addr.Add(l.Side), pl.Side)
	if !broken {
		s.ptr(profile.Add(l.Name), nameAddr)
	}
	s.vecAt(transform.Add(l.Position), pl.Position)
	s.img.WriteF32(transform.Add(l.Rotation), pl.Rotation[0])
	s.img.WriteF32(transform.Add(l.Rotation+4), pl.Rotation[1])
	return addr, pl, !broken, nil
}

// item writes an item with a template and id string and returns it with the id.
func (s *synth) item() (transport.Address, string, error) {
	l := &s.layout.Loot
	item := s.alloc(max(l.Template, l.Grid) + 8)
	template := s.alloc(l.ID + 8)
	id := fmt.Sprintf("%08x%08x", s.prng.Uint32(), s.prng.Uint32())
	idAddr, err := s.str(id)
	if err != nil {
		return 0, "", err
	}
	s.ptr(item.Add(l.Template), template)
	s.ptr(template.Add(l.ID), idAddr)
	return item, truncated(id, s.layout.Limits.MaxIDChars), nil
}

func (s *synth) loot(class transport.Address, container bool) (transport.Address, Loot, bool, error) {
	l := &s.layout.Loot
	addr := s.alloc(max(l.Item, l.Class, l.Position+12) + 8)
	item, id, err := s.item()
	if err != nil {
		return 0, Loot{}, false, err
	}
	loot := Loot{Addr: addr, ID: id, Position: s.vec3(), Container: container}

	broken := s.chance(s.opts.BrokenRate)
	if broken {
		item = 0
	}
	s.ptr(addr.Add(l.Item), item)
	s.ptr(addr.Add(l.Class), class)
	s.vecAt(addr.Add(l.Position), loot.Position)

	if container && !broken {
		maxContents := s.layout.Limits.MaxContents
		n := s.prng.IntN(maxContents + 3)
		children := make([]transport.Address, n)
		for j := range children {
			child, childID, err := s.item()
			if err != nil {
				return 0, Loot{}, false, err
			}
			if s.chance(s.opts.BrokenRate) {
				// Null template: the child is dropped.
				s.ptr(child.Add(l.Template), 0)
			} else if j < maxContents {
				loot.Contents = append(loot.Contents, childID)
			}
			children[j] = child
		}
		grid := s.alloc(max(l.GridItems, l.GridCount) + 8)
		array := s.alloc(s.layout.List.First + uint64(n)*8) //nolint:gosec // non-negative
		s.ptr(item.Add(l.Grid), grid)
		s.ptr(grid.Add(l.GridItems), array)
		s.img.WriteI32(grid.Add(l.GridCount), int32(n)) //nolint:gosec // small
		for j, c := range children {
			s.ptr(array.Add(s.layout.List.First+uint64(j)*8), c) //nolint:gosec // non-negative
		}
	}
	return addr, loot, !broken, nil
}
