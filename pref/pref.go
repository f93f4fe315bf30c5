// Package pref implements the persisted reference helpers (spec.md
// C10): small, lifetime-free views over a FarAddress that let callers
// read or write a typed element, array, or length-prefixed array
// without hand-rolling byte-offset arithmetic at every call site.
//
// These wrap the same unsafe.Pointer reinterpretation mapped.Region
// uses internally; T is expected to be a fixed-layout value type (no
// pointers, slices, or strings) so the reinterpreted view is sound.
package pref

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/mgtrerr"
)

// Reader is the subset of the segment manager these helpers need to
// produce byte windows; satisfied by *segment.Manager.
type Reader interface {
	ReadonlyBlock(a addr.FarAddress, length int) ([]byte, error)
	WritableBlock(a addr.FarAddress, length int) ([]byte, error)
}

func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Reference is a view over a single element of type T stored at addr.
type Reference[T any] struct {
	At addr.FarAddress
}

// NewReference wraps a FarAddress as a typed single-element reference.
func NewReference[T any](a addr.FarAddress) Reference[T] {
	return Reference[T]{At: a}
}

// View returns a read-only pointer to the element. The pointer aliases
// the mapped region directly and must not outlive the segment mapping.
func (r Reference[T]) View(seg Reader) (*T, error) {
	raw, err := seg.ReadonlyBlock(r.At, sizeOf[T]())
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&raw[0])), nil
}

// WrAt returns a writable pointer to the element.
func (r Reference[T]) WrAt(seg Reader) (*T, error) {
	raw, err := seg.WritableBlock(r.At, sizeOf[T]())
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&raw[0])), nil
}

// Array is a view over a contiguous run of T elements at addr, with
// capacity supplied by the caller at each access rather than stored on
// disk.
type Array[T any] struct {
	At addr.FarAddress
}

// NewArray wraps a FarAddress as a typed contiguous array reference.
func NewArray[T any](a addr.FarAddress) Array[T] {
	return Array[T]{At: a}
}

// View returns a read-only slice of n elements.
func (a Array[T]) View(seg Reader, n int) ([]T, error) {
	raw, err := seg.ReadonlyBlock(a.At, sizeOf[T]()*n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n), nil
}

// WrAt returns a writable slice of n elements.
func (a Array[T]) WrAt(seg Reader, n int) ([]T, error) {
	raw, err := seg.WritableBlock(a.At, sizeOf[T]()*n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n), nil
}

// sizedArrayLenField is the on-disk width of a SizedArray's leading
// length field.
const sizedArrayLenField = 4

// SizedArray is a view over a contiguous run of T elements preceded by
// a u32 element count, so the length travels with the data instead of
// being supplied by the caller.
type SizedArray[T any] struct {
	At addr.FarAddress
}

// NewSizedArray wraps a FarAddress as a typed length-prefixed array.
func NewSizedArray[T any](a addr.FarAddress) SizedArray[T] {
	return SizedArray[T]{At: a}
}

// Len reads the persisted element count.
func (a SizedArray[T]) Len(seg Reader) (int, error) {
	raw, err := seg.ReadonlyBlock(a.At, sizedArrayLenField)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(raw)), nil
}

// View reads the persisted count, then returns a read-only slice of
// that many elements.
func (a SizedArray[T]) View(seg Reader) ([]T, error) {
	n, err := a.Len(seg)
	if err != nil {
		return nil, err
	}
	elems := Array[T]{At: a.At.Add(sizedArrayLenField)}
	return elems.View(seg, n)
}

// Init writes n as the persisted count and returns a writable slice of
// n elements for the caller to populate. It is the caller's
// responsibility to ensure the backing allocation is large enough for
// sizedArrayLenField + n*sizeof(T).
func (a SizedArray[T]) Init(seg Reader, n int) ([]T, error) {
	raw, err := seg.WritableBlock(a.At, sizedArrayLenField)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative SizedArray length %d", mgtrerr.ErrInvalidBlock, n)
	}
	binary.LittleEndian.PutUint32(raw, uint32(n))

	elems := Array[T]{At: a.At.Add(sizedArrayLenField)}
	return elems.WrAt(seg, n)
}

// WrAt returns a writable slice over the already-initialized elements,
// without touching the length field.
func (a SizedArray[T]) WrAt(seg Reader) ([]T, error) {
	n, err := a.Len(seg)
	if err != nil {
		return nil, err
	}
	elems := Array[T]{At: a.At.Add(sizedArrayLenField)}
	return elems.WrAt(seg, n)
}
