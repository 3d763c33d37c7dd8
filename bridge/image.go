// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"sort"
	"time"

	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/protocol"
)

const (
	// ChannelCommunicationFailed is true while a component is Defective.
	ChannelCommunicationFailed protocol.ChannelID = "CommunicationFailed"
	// ChannelWriteFailed is true when the last write attempt of a component
	// failed.
	ChannelWriteFailed protocol.ChannelID = "WriteFailed"
)

// Values maps channels to their values.
type Values map[protocol.ChannelID]codec.Value

// Image is one immutable snapshot of all channel values, published once per
// cycle. Readers must not modify it.
type Image struct {
	cycle      uint64
	time       time.Time
	components map[string]Values
}

func newImage() *Image {
	return &Image{components: make(map[string]Values)}
}

// Cycle returns the number of the cycle that produced the image.
func (im *Image) Cycle() uint64 { return im.cycle }

// Time returns when the image was published.
func (im *Image) Time() time.Time { return im.time }

// Value returns the value of ch of component id.
func (im *Image) Value(id string, ch protocol.ChannelID) (codec.Value, bool) {
	vs, ok := im.components[id]
	if !ok {
		return codec.Undefined(), false
	}
	v, ok := vs[ch]
	return v, ok
}

// Component returns a copy of all values of component id.
func (im *Image) Component(id string) Values {
	vs, ok := im.components[id]
	if !ok {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out
}

// Components returns the ids present in the image, sorted.
func (im *Image) Components() []string {
	ids := make([]string, 0, len(im.components))
	for id := range im.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Changed returns the values of im that differ from prev. A nil prev
// reports everything.
func (im *Image) Changed(prev *Image) map[string]Values {
	out := make(map[string]Values)
	for id, vs := range im.components {
		var old Values
		if prev != nil {
			old = prev.components[id]
		}
		for ch, v := range vs {
			if o, ok := old[ch]; ok && o.Equal(v) {
				continue
			}
			if out[id] == nil {
				out[id] = make(Values)
			}
			out[id][ch] = v
		}
	}
	return out
}

// imageBuilder fills the next image. Values of the previous image carry
// forward so a failed read leaves its channels unchanged.
type imageBuilder struct {
	prev *Image
	next *Image
}

func newImageBuilder(prev *Image, cycle uint64) *imageBuilder {
	return &imageBuilder{
		prev: prev,
		next: &Image{cycle: cycle, components: make(map[string]Values)},
	}
}

// component returns the writable values of id, copying the previous ones on
// first use.
func (b *imageBuilder) component(id string) Values {
	if vs, ok := b.next.components[id]; ok {
		return vs
	}
	old := b.prev.components[id]
	vs := make(Values, len(old))
	for k, v := range old {
		vs[k] = v
	}
	b.next.components[id] = vs
	return vs
}

func (b *imageBuilder) set(id string, values Values) {
	vs := b.component(id)
	for k, v := range values {
		vs[k] = v
	}
}

func (b *imageBuilder) publish(now time.Time) *Image {
	b.next.time = now
	return b.next
}
