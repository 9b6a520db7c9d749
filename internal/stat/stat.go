// Package stat is the file-metadata record the file layer reports
// through the /dev/stat device and hands to anything that asks about an
// inode. The record serializes little-endian, the byte order of the
// target machine, so the encoded form is stable regardless of the host
// the kernel is hosted on.
package stat

import "github.com/biscuit-kernel/sv39kernel/internal/util"

// field order of the serialized record, one 8-byte word each
const (
	offDev = iota * 8
	offIno
	offMode
	offSize
	offRdev
	nbytes
)

/// Bytes is the serialized size of one stat record.
const Bytes = nbytes

/// Stat_t describes one file: the device it lives on, its inode number,
/// mode bits, byte size, and, for device nodes, the device it names.
type Stat_t struct {
	dev  uint
	ino  uint
	mode uint
	size uint
	rdev uint
}

/// Wdev stores the containing device's id.
func (st *Stat_t) Wdev(v uint) {
	st.dev = v
}

/// Wino stores the inode number.
func (st *Stat_t) Wino(v uint) {
	st.ino = v
}

/// Wmode records the file mode.
func (st *Stat_t) Wmode(v uint) {
	st.mode = v
}

/// Wsize records the file size.
func (st *Stat_t) Wsize(v uint) {
	st.size = v
}

/// Wrdev stores the referenced device id for device nodes.
func (st *Stat_t) Wrdev(v uint) {
	st.rdev = v
}

/// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint {
	return st.mode
}

/// Size returns the stored size.
func (st *Stat_t) Size() uint {
	return st.size
}

/// Rdev returns the stored rdev.
func (st *Stat_t) Rdev() uint {
	return st.rdev
}

/// Rino returns the stored inode number.
func (st *Stat_t) Rino() uint {
	return st.ino
}

/// Encode serializes the record into its wire form.
func (st *Stat_t) Encode() []uint8 {
	b := make([]uint8, nbytes)
	util.Writen(b, 8, offDev, int(st.dev))
	util.Writen(b, 8, offIno, int(st.ino))
	util.Writen(b, 8, offMode, int(st.mode))
	util.Writen(b, 8, offSize, int(st.size))
	util.Writen(b, 8, offRdev, int(st.rdev))
	return b
}

/// Decode fills the record from its wire form.
func (st *Stat_t) Decode(b []uint8) {
	st.dev = uint(util.Readn(b, 8, offDev))
	st.ino = uint(util.Readn(b, 8, offIno))
	st.mode = uint(util.Readn(b, 8, offMode))
	st.size = uint(util.Readn(b, 8, offSize))
	st.rdev = uint(util.Readn(b, 8, offRdev))
}
