package pagetable

import (
	"encoding/binary"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
)

// ReadBytes copies length bytes starting at the userspace virtual address v
// into a freshly allocated slice, translating one page at a time so a
// buffer that happens to straddle two independently-mapped regions (stack,
// a PT_LOAD segment, an mmap'd range) is still read correctly. It reports
// ok=false the moment any page in the range is unmapped, mirroring
// translate_userspace_address_to_physical_address's per-page contract.
func (r *RootPageTableHolder) ReadBytes(v addr.VirtAddr, length uint64) (data []byte, ok bool) {
	if length == 0 {
		return nil, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, 0, length)
	cur := v
	remaining := length
	for remaining > 0 {
		phys, _, _, ok := r.translateLocked(cur)
		if !ok {
			return nil, false
		}
		n := uint64(page.Size) - cur.PageOffset()
		if n > remaining {
			n = remaining
		}
		out = append(out, r.pageAlloc.Bytes(phys, n)...)
		cur = cur.Add(n)
		remaining -= n
	}
	return out, true
}

// WriteBytes copies data into the userspace virtual range starting at v,
// page by page. It reports ok=false (leaving whatever prefix it already
// wrote in place) if any page in the range is unmapped.
func (r *RootPageTableHolder) WriteBytes(v addr.VirtAddr, data []byte) (ok bool) {
	if len(data) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := v
	remaining := uint64(len(data))
	off := uint64(0)
	for remaining > 0 {
		phys, _, _, ok := r.translateLocked(cur)
		if !ok {
			return false
		}
		n := uint64(page.Size) - cur.PageOffset()
		if n > remaining {
			n = remaining
		}
		copy(r.pageAlloc.Bytes(phys, n), data[off:off+n])
		cur = cur.Add(n)
		remaining -= n
		off += n
	}
	return true
}

// ReadUint32 reads one little-endian u32 at v, the primitive futex_wait
// needs to compare against the expected value.
func (r *RootPageTableHolder) ReadUint32(v addr.VirtAddr) (uint32, bool) {
	b, ok := r.ReadBytes(v, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadUint64 reads one little-endian u64 at v.
func (r *RootPageTableHolder) ReadUint64(v addr.VirtAddr) (uint64, bool) {
	b, ok := r.ReadBytes(v, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// WriteUint32 writes one little-endian u32 at v.
func (r *RootPageTableHolder) WriteUint32(v addr.VirtAddr, val uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return r.WriteBytes(v, b[:])
}

// WriteUint64 writes one little-endian u64 at v.
func (r *RootPageTableHolder) WriteUint64(v addr.VirtAddr, val uint64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	return r.WriteBytes(v, b[:])
}

// ReadCString reads bytes starting at v up to (not including) the first NUL
// byte or maxLen bytes, whichever comes first, returning ok=false if maxLen
// is exceeded without finding a terminator or any touched page is unmapped.
// Mirrors consume_str in klibc/consumable_buffer.rs from original_source/.
func (r *RootPageTableHolder) ReadCString(v addr.VirtAddr, maxLen uint64) (string, bool) {
	const chunk = 64
	var out []byte
	for total := uint64(0); total < maxLen; total += chunk {
		n := uint64(chunk)
		if total+n > maxLen {
			n = maxLen - total
		}
		b, ok := r.ReadBytes(v.Add(total), n)
		if !ok {
			return "", false
		}
		if idx := indexByte(b, 0); idx >= 0 {
			out = append(out, b[:idx]...)
			return string(out), true
		}
		out = append(out, b...)
	}
	return "", false
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
