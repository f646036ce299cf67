package alloctbl

// The functions in this file let the consistency checker inspect and repair
// the maps directly. They keep the free counts in step with the bits.

// InodeAllocated reports whether inum is marked in use.
func (alloc *AllocTbl) InodeAllocated(inum uint32) bool {
	alloc.sec.Lock()
	defer alloc.sec.Unlock()
	m := alloc.maps[IMAP]
	return int(inum) < m.nbits && m.test(int(inum))
}

// BlockAllocated reports whether data block bno is marked in use.
func (alloc *AllocTbl) BlockAllocated(bno uint32) bool {
	alloc.sec.Lock()
	defer alloc.sec.Unlock()
	m := alloc.maps[ZMAP]
	b := int(bno) - int(alloc.firstData)
	return b >= 0 && b < m.nbits && m.test(b)
}

// SetInode forces the in-use bit of inum.
func (alloc *AllocTbl) SetInode(inum uint32, used bool) {
	alloc.setBit(IMAP, int(inum), used)
}

// SetBlock forces the in-use bit of data block bno.
func (alloc *AllocTbl) SetBlock(bno uint32, used bool) {
	alloc.setBit(ZMAP, int(bno)-int(alloc.firstData), used)
}

func (alloc *AllocTbl) setBit(which, b int, used bool) {
	alloc.sec.Lock()
	defer alloc.sec.Unlock()
	m := alloc.maps[which]
	if b < m.base || b >= m.nbits || m.test(b) == used {
		return
	}
	if used {
		m.set(b, alloc.bsize)
		m.free--
	} else {
		m.unset(b, alloc.bsize)
		m.free++
		if b < m.search {
			m.search = b
		}
	}
}
