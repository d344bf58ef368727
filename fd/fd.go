// Package fd implements the FileDescriptor value and the ChannelSerializer
// contract that substitutes {"$fd": i} placeholders for descriptors on send,
// and reverses the substitution on receive. It is grounded on the original
// Python client's fd.py (FileDescriptor, UnixChannelSerializer,
// MSockChannelSerializer).
package fd

import "fmt"

// FileDescriptor wraps a raw descriptor value together with an ownership
// flag. When Close is true, the sender closes Fd once the frame carrying it
// has been transmitted.
type FileDescriptor struct {
	Fd    int
	Close bool
}

const key = "$fd"

// Serializer converts between native FileDescriptor values embedded in a
// message tree and their {"$fd": i} wire placeholders. Two implementations
// are provided: Unix (index into a per-frame ancillary array) and Multiplex
// (channel-id lookup against a Multiplexer).
type Serializer interface {
	// CollectFDs walks tree depth-first and returns an equivalent tree with
	// every FileDescriptor replaced by a {"$fd": i} placeholder, along with
	// the ordered list of descriptors that must accompany the frame.
	CollectFDs(tree any) (clean any, fds []FileDescriptor, err error)

	// ReplaceFDs walks tree depth-first and returns an equivalent tree with
	// every {"$fd": i} placeholder replaced by a FileDescriptor. An index
	// that falls outside the supplied ancillary array yields a null
	// descriptor (Fd: -1) rather than an error.
	ReplaceFDs(tree any, ancillary []int) (any, error)
}

// Unix is the index-addressed ChannelSerializer used by transports that
// carry descriptors via SCM_RIGHTS on the same frame as the JSON payload.
type Unix struct{}

func (Unix) CollectFDs(tree any) (any, []FileDescriptor, error) {
	var fds []FileDescriptor
	clean, err := walk(tree, func(f FileDescriptor) any {
		i := len(fds)
		fds = append(fds, f)
		return map[string]any{key: float64(i)}
	})
	return clean, fds, err
}

func (Unix) ReplaceFDs(tree any, ancillary []int) (any, error) {
	return unwalk(tree, func(idx int) FileDescriptor {
		if idx < 0 || idx >= len(ancillary) {
			return FileDescriptor{Fd: -1}
		}
		return FileDescriptor{Fd: ancillary[idx]}
	})
}

// Multiplexer resolves FileDescriptor values to and from logical channel IDs
// of a multiplexed socket, standing in for a concrete multiplexed transport
// (out of scope for this module; see spec.md §4.2).
type Multiplexer interface {
	// ChannelFor opens (or reuses) a logical channel carrying f and returns
	// its id.
	ChannelFor(f FileDescriptor) (id int, err error)

	// DescriptorFor resolves a logical channel id back to a descriptor.
	DescriptorFor(id int) (FileDescriptor, error)
}

// Multiplex is the channel-id-addressed ChannelSerializer variant.
type Multiplex struct {
	M Multiplexer
}

func (s Multiplex) CollectFDs(tree any) (any, []FileDescriptor, error) {
	var used []FileDescriptor
	clean, err := walk(tree, func(f FileDescriptor) any {
		id, err := s.M.ChannelFor(f)
		if err != nil {
			id = -1
		}
		used = append(used, f)
		return map[string]any{key: float64(id)}
	})
	return clean, used, err
}

func (s Multiplex) ReplaceFDs(tree any, _ []int) (any, error) {
	return unwalk(tree, func(idx int) FileDescriptor {
		f, err := s.M.DescriptorFor(idx)
		if err != nil {
			return FileDescriptor{Fd: -1}
		}
		return f
	})
}

func walk(tree any, onFD func(FileDescriptor) any) (any, error) {
	switch t := tree.(type) {
	case FileDescriptor:
		return onFD(t), nil
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			v, err := walk(elt, onFD)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elt := range t {
			v, err := walk(elt, onFD)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return tree, nil
	}
}

func unwalk(tree any, onPlaceholder func(int) FileDescriptor) (any, error) {
	switch t := tree.(type) {
	case map[string]any:
		if len(t) == 1 {
			if raw, ok := t[key]; ok {
				n, ok := raw.(float64)
				if !ok {
					return nil, fmt.Errorf("fd: %q placeholder must be numeric, got %T", key, raw)
				}
				return onPlaceholder(int(n)), nil
			}
		}
		out := make(map[string]any, len(t))
		for k, elt := range t {
			v, err := unwalk(elt, onPlaceholder)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			v, err := unwalk(elt, onPlaceholder)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return tree, nil
	}
}
