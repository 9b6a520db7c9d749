// Package ramfs is the kernel's file layer behind open/close/read/write.
// The kernel core requires only a block device exposing
// read_block/write_block; this package provides the flat in-memory
// namespace the syscall layer mounts, plus Sync/Mount to move the whole
// image through whatever block device is attached.
package ramfs

import (
	"sort"
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/stat"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
)

/// BlockSize is the transfer unit of the block-device contract.
const BlockSize = 4096

/// Blockdev_i is the interface the out-of-scope driver chip presents to
/// the core: fixed-size block reads and writes, nothing else.
type Blockdev_i interface {
	ReadBlock(blockno int, dst []uint8) defs.Err_t
	WriteBlock(blockno int, src []uint8) defs.Err_t
	NumBlocks() int
}

/// Memdisk_t is the hosted block device: an in-memory array of blocks.
type Memdisk_t struct {
	blocks [][]uint8
}

/// MkMemdisk returns a zeroed memory-backed block device.
func MkMemdisk(nblocks int) *Memdisk_t {
	b := make([][]uint8, nblocks)
	for i := range b {
		b[i] = make([]uint8, BlockSize)
	}
	return &Memdisk_t{blocks: b}
}

func (md *Memdisk_t) ReadBlock(blockno int, dst []uint8) defs.Err_t {
	if blockno < 0 || blockno >= len(md.blocks) {
		return defs.EINVAL
	}
	copy(dst, md.blocks[blockno])
	return 0
}

func (md *Memdisk_t) WriteBlock(blockno int, src []uint8) defs.Err_t {
	if blockno < 0 || blockno >= len(md.blocks) {
		return defs.EINVAL
	}
	copy(md.blocks[blockno], src)
	return 0
}

func (md *Memdisk_t) NumBlocks() int { return len(md.blocks) }

// inode is one file: its bytes and its identity.
type inode struct {
	data []uint8
	ino  uint
}

var (
	fmu     sync.Mutex
	files   = map[string]*inode{}
	nextino uint = 2 // 1 is the root
	devs         = map[string]func() fdops.Fdops_i{}
	bdev    Blockdev_i
)

/// RegisterDev mounts a character-device constructor under name; open()
/// consults this registry before the file namespace.
func RegisterDev(name string, mk func() fdops.Fdops_i) {
	fmu.Lock()
	devs[name] = mk
	fmu.Unlock()
}

/// Attach installs the backing block device used by Sync and Mount.
func Attach(d Blockdev_i) {
	fmu.Lock()
	bdev = d
	fmu.Unlock()
}

/// WriteFile creates or replaces path with data; the boot path uses this
/// to seed program images.
func WriteFile(path ustr.Ustr, data []uint8) {
	fmu.Lock()
	defer fmu.Unlock()
	ino := files[path.String()]
	if ino == nil {
		ino = &inode{ino: nextino}
		nextino++
		files[path.String()] = ino
	}
	ino.data = append([]uint8(nil), data...)
}

/// ReadFile returns a copy of path's bytes.
func ReadFile(path ustr.Ustr) ([]uint8, defs.Err_t) {
	fmu.Lock()
	defer fmu.Unlock()
	ino, ok := files[path.String()]
	if !ok {
		return nil, defs.ENOENT
	}
	return append([]uint8(nil), ino.data...), 0
}

/// Open resolves path under the given flags and returns the fd
/// operations backing it.
func Open(path ustr.Ustr, flags int) (fdops.Fdops_i, defs.Err_t) {
	fmu.Lock()
	if mk, ok := devs[path.String()]; ok {
		fmu.Unlock()
		return mk(), 0
	}
	ino, ok := files[path.String()]
	if !ok {
		if flags&defs.O_CREATE == 0 {
			fmu.Unlock()
			return nil, defs.ENOENT
		}
		ino = &inode{ino: nextino}
		nextino++
		files[path.String()] = ino
	}
	if flags&defs.O_TRUNC != 0 {
		ino.data = nil
	}
	fmu.Unlock()
	return &filefops_t{ino: ino, openc: 1,
		rd: flags&0x3 != defs.O_WRONLY,
		wr: flags&0x3 != defs.O_RDONLY}, 0
}

/// Sync streams the whole namespace through the attached block device:
/// an 8-byte file count, then each file as {namelen, name, datalen, data}
/// packed back to back; only the end of the image is padded out to a block
/// boundary. A missing device is a no-op.
func Sync() defs.Err_t {
	fmu.Lock()
	defer fmu.Unlock()
	if bdev == nil {
		return 0
	}
	var img []uint8
	hdr := make([]uint8, 8)
	util.Writen(hdr, 8, 0, len(files))
	img = append(img, hdr...)
	for name, ino := range files {
		rec := make([]uint8, 8+len(name)+8+len(ino.data))
		util.Writen(rec, 8, 0, len(name))
		copy(rec[8:], name)
		util.Writen(rec, 8, 8+len(name), len(ino.data))
		copy(rec[8+len(name)+8:], ino.data)
		img = append(img, rec...)
	}
	nb := (len(img) + BlockSize - 1) / BlockSize
	if nb > bdev.NumBlocks() {
		return defs.ENOMEM
	}
	img = append(img, make([]uint8, nb*BlockSize-len(img))...)
	for i := 0; i < nb; i++ {
		if err := bdev.WriteBlock(i, img[i*BlockSize:(i+1)*BlockSize]); err != 0 {
			return err
		}
	}
	return 0
}

/// Mount replaces the namespace with the image on the attached device.
func Mount() defs.Err_t {
	fmu.Lock()
	defer fmu.Unlock()
	if bdev == nil {
		return defs.EINVAL
	}
	img := make([]uint8, bdev.NumBlocks()*BlockSize)
	for i := 0; i < bdev.NumBlocks(); i++ {
		if err := bdev.ReadBlock(i, img[i*BlockSize:(i+1)*BlockSize]); err != 0 {
			return err
		}
	}
	n := util.Readn(img, 8, 0)
	off := 8
	nf := map[string]*inode{}
	for i := 0; i < n; i++ {
		nl := util.Readn(img, 8, off)
		off += 8
		name := string(img[off : off+nl])
		off += nl
		dl := util.Readn(img, 8, off)
		off += 8
		data := append([]uint8(nil), img[off:off+dl]...)
		off += dl
		nf[name] = &inode{data: data, ino: nextino}
		nextino++
	}
	files = nf
	return 0
}

// filefops_t is an open file: an inode reference plus this open's offset
// and access mode.
type filefops_t struct {
	ino    *inode
	off    int
	openc  int
	rd, wr bool
}

func (ff *filefops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !ff.rd {
		return 0, defs.EBADF
	}
	fmu.Lock()
	defer fmu.Unlock()
	if ff.off >= len(ff.ino.data) {
		return 0, 0
	}
	c, err := dst.Uiowrite(ff.ino.data[ff.off:])
	ff.off += c
	return c, err
}

func (ff *filefops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !ff.wr {
		return 0, defs.EBADF
	}
	buf := make([]uint8, src.Totalsz())
	c, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	fmu.Lock()
	defer fmu.Unlock()
	need := ff.off + c
	if need > len(ff.ino.data) {
		ff.ino.data = append(ff.ino.data, make([]uint8, need-len(ff.ino.data))...)
	}
	copy(ff.ino.data[ff.off:], buf[:c])
	ff.off += c
	return c, 0
}

func (ff *filefops_t) Close() defs.Err_t {
	fmu.Lock()
	ff.openc--
	fmu.Unlock()
	return 0
}

func (ff *filefops_t) Reopen() defs.Err_t {
	fmu.Lock()
	ff.openc++
	fmu.Unlock()
	return 0
}

func (ff *filefops_t) Readable() bool { return ff.rd }
func (ff *filefops_t) Writable() bool { return ff.wr }

/// Stat fills st for path.
func Stat(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	fmu.Lock()
	defer fmu.Unlock()
	ino, ok := files[path.String()]
	if !ok {
		return defs.ENOENT
	}
	fillStat(ino, st)
	return 0
}

func fillStat(ino *inode, st *stat.Stat_t) {
	st.Wdev(defs.Mkdev(defs.D_RAWDISK, 0))
	st.Wino(ino.ino)
	st.Wsize(uint(len(ino.data)))
	st.Wmode(0644)
}

// statdev_t backs the /dev/stat character device (defs.D_STAT): reading
// it yields one {namelen, name, stat record} entry per file, sorted by
// name. The snapshot is taken at the first read; later reads stream the
// remaining bytes until EOF.
type statdev_t struct {
	buf  []uint8
	off  int
	took bool
}

/// MkStatdev returns the fd operations for the stat device.
func MkStatdev() fdops.Fdops_i {
	return &statdev_t{}
}

func statSnapshot() []uint8 {
	fmu.Lock()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []uint8
	for _, name := range names {
		var st stat.Stat_t
		fillStat(files[name], &st)
		hdr := make([]uint8, 8)
		util.Writen(hdr, 8, 0, len(name))
		out = append(out, hdr...)
		out = append(out, name...)
		out = append(out, st.Encode()...)
	}
	fmu.Unlock()
	return out
}

func (sd *statdev_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !sd.took {
		sd.buf = statSnapshot()
		sd.took = true
	}
	if sd.off >= len(sd.buf) {
		return 0, 0
	}
	c, err := dst.Uiowrite(sd.buf[sd.off:])
	sd.off += c
	return c, err
}

func (sd *statdev_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return 0, defs.EBADF
}

func (sd *statdev_t) Close() defs.Err_t  { return 0 }
func (sd *statdev_t) Reopen() defs.Err_t { return 0 }
func (sd *statdev_t) Readable() bool     { return true }
func (sd *statdev_t) Writable() bool     { return false }
