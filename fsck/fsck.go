// Package fsck checks the consistency of a mounted filesystem and optionally
// repairs it. The checks follow the classic order: inode records and the
// blocks they claim, the directory tree from the root, the two bitmaps, and
// finally the link counts.
package fsck

import (
	"context"
	"errors"
	"fmt"

	"github.com/lspecian/vexfs-sub011/alloctbl"
	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/inode"
)

// Kind classifies a problem found by the checker.
type Kind int

const (
	BAD_INODE      Kind = iota // unreadable record, bad mode or block out of range
	DUP_BLOCK                  // block claimed by two inodes
	BAD_SIZE                   // size not covered by the extents
	DANGLING_ENTRY             // entry naming a free or bad inode
	BAD_DOTS                   // missing or wrong "." or ".."
	DIR_HARDLINK               // directory reachable under a second name
	ORPHAN_INODE               // allocated inode no entry names
	WRONG_NLINKS               // link count differs from the entries found
	IMAP_MISMATCH              // inode bitmap disagrees with the records
	ZMAP_MISMATCH              // block bitmap disagrees with the owners
)

var kindNames = []string{
	"bad inode",
	"duplicate block",
	"bad size",
	"dangling entry",
	"bad dot entries",
	"directory hard link",
	"orphan inode",
	"wrong link count",
	"inode map mismatch",
	"block map mismatch",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Problem is one inconsistency. Fixed is set when the repair pass corrected
// it.
type Problem struct {
	Kind   Kind
	Ino    common.Ino
	Block  uint32
	Detail string
	Fixed  bool
}

func (p Problem) String() string {
	s := fmt.Sprintf("%s: inode %d", p.Kind, p.Ino)
	if p.Block != 0 {
		s += fmt.Sprintf(" block %d", p.Block)
	}
	if p.Detail != "" {
		s += ": " + p.Detail
	}
	if p.Fixed {
		s += " (fixed)"
	}
	return s
}

// Report is the outcome of one check.
type Report struct {
	Problems []Problem

	Regular     int
	Directories int
	FreeInodes  uint32
	UsedBlocks  uint32 // blocks owned by live inodes
	FreeBlocks  uint32
	DataBlocks  uint32
}

// Clean reports whether nothing was found.
func (r *Report) Clean() bool { return len(r.Problems) == 0 }

// Unfixed returns the problems the repair pass left alone.
func (r *Report) Unfixed() []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if !p.Fixed {
			out = append(out, p)
		}
	}
	return out
}

// Balanced reports whether free and owned blocks add up to the data region.
func (r *Report) Balanced() bool {
	return r.FreeBlocks+r.UsedBlocks == r.DataBlocks
}

// Options controls a check.
type Options struct {
	Repair bool
	Logger common.Logger
}

type record struct {
	d       common.Disk_Inode
	extents common.ExtentList
}

type checker struct {
	fsys   *fs.FileSystem
	it     *inode.Table
	alloc  *alloctbl.AllocTbl
	sb     common.Disk_Superblock
	repair bool
	log    common.Logger

	recs  map[common.Ino]*record
	owner map[uint32]common.Ino
	refs  map[common.Ino]int

	report Report
}

// Check runs every pass against fsys with all other mutations held off.
// With Repair set the fixes are made and the session is synced afterwards.
func Check(ctx context.Context, fsys *fs.FileSystem, opts Options) (*Report, error) {
	log := opts.Logger
	if log == nil {
		log = fsys.Logger()
	}
	c := &checker{
		fsys:   fsys,
		it:     fsys.Inodes(),
		alloc:  fsys.Alloc(),
		sb:     fsys.Super(),
		repair: opts.Repair,
		log:    log.With("component", "fsck"),
		recs:   make(map[common.Ino]*record),
		owner:  make(map[uint32]common.Ino),
		refs:   make(map[common.Ino]int),
	}
	if err := fsys.Exclusive(ctx, opts.Repair, c.run); err != nil {
		return nil, err
	}
	if opts.Repair {
		if err := fsys.Sync(ctx); err != nil {
			return &c.report, err
		}
	}
	c.log.Info("check finished", "problems", len(c.report.Problems),
		"unfixed", len(c.report.Unfixed()), "used_blocks", c.report.UsedBlocks, "free_blocks", c.report.FreeBlocks)
	return &c.report, nil
}

// CheckDevice mounts dev, checks it and unmounts it again.
func CheckDevice(ctx context.Context, dev common.BlockDevice, fsOpts fs.Options, opts Options) (*Report, error) {
	fsOpts.ReadOnly = !opts.Repair
	fsys, err := fs.Mount(ctx, dev, fsOpts)
	if err != nil {
		return nil, err
	}
	r, err := Check(ctx, fsys, opts)
	if serr := fsys.Shutdown(ctx, true); err == nil {
		err = serr
	}
	return r, err
}

func (c *checker) run(ctx context.Context) error {
	if err := c.it.FlushAll(ctx); err != nil {
		return err
	}
	steps := []func(context.Context) error{
		c.chkinodes,
		c.chktree,
		c.chkmaps,
		c.chkcount,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	c.tally()
	return nil
}

func (c *checker) problem(kind Kind, ino common.Ino, bno uint32, fixed bool, format string, args ...any) {
	p := Problem{Kind: kind, Ino: ino, Block: bno, Detail: fmt.Sprintf(format, args...), Fixed: fixed}
	c.report.Problems = append(c.report.Problems, p)
	c.log.Warn("inconsistency", "problem", p.String())
}

// chkinodes reads every record and claims the blocks of the valid ones.
func (c *checker) chkinodes(ctx context.Context) error {
	bs := uint64(c.sb.BlockSize)
	for i := uint32(1); i <= c.sb.Inodes; i++ {
		ino := common.Ino(i)
		d, list, err := c.it.ReadRecord(ctx, ino)
		if err != nil {
			if !errors.Is(err, common.ErrCorrupt) {
				return err
			}
			cause := err
			fixed, err := c.clearRecord(ctx, ino, d)
			if err != nil {
				return err
			}
			c.problem(BAD_INODE, ino, 0, fixed, "%v", cause)
			continue
		}
		if d.Mode == common.I_NOT_ALLOC {
			continue
		}
		if t := d.Mode & common.I_TYPE; t != common.I_REGULAR && t != common.I_DIRECTORY {
			fixed, err := c.clearRecord(ctx, ino, d)
			if err != nil {
				return err
			}
			c.problem(BAD_INODE, ino, 0, fixed, "mode %o", d.Mode)
			continue
		}

		claimed := append(common.ExtentList(nil), list...)
		if d.Indirect != 0 {
			claimed = append(claimed, common.Extent{Start: d.Indirect, Count: 1})
		}
		if bad, bno, why := c.chkzones(ino, claimed); bad {
			fixed, err := c.clearRecord(ctx, ino, d)
			if err != nil {
				return err
			}
			kind := BAD_INODE
			if why == "" {
				kind, why = DUP_BLOCK, fmt.Sprintf("also owned by inode %d", c.owner[bno])
			}
			c.problem(kind, ino, bno, fixed, "%s", why)
			continue
		}

		rec := &record{d: d, extents: list}
		c.recs[ino] = rec
		for _, e := range claimed {
			for b := e.Start; b < e.End(); b++ {
				c.owner[b] = ino
			}
		}
		if d.Mode&common.I_TYPE == common.I_DIRECTORY {
			c.report.Directories++
		} else {
			c.report.Regular++
		}

		size := d.Size
		if limit := uint64(list.Blocks()) * bs; size > limit {
			size = limit
		}
		if d.Mode&common.I_TYPE == common.I_DIRECTORY {
			size -= size % common.DIRENT_SIZE
		}
		if size != d.Size {
			fixed, err := c.rewrite(ctx, ino, func(d *common.Disk_Inode) { d.Size = size })
			if err != nil {
				return err
			}
			c.problem(BAD_SIZE, ino, 0, fixed, "size %d, extents cover %d", d.Size, list.Blocks())
		}
	}
	return nil
}

// chkzones checks that every claimed block lies in the data region and is
// not claimed twice. An empty reason with bad set means a duplicate.
func (c *checker) chkzones(ino common.Ino, claimed common.ExtentList) (bad bool, bno uint32, why string) {
	seen := make(map[uint32]bool)
	for _, e := range claimed {
		for b := e.Start; b < e.End(); b++ {
			if b < c.sb.FirstData || b >= c.sb.Blocks {
				return true, b, "block outside the data region"
			}
			if seen[b] {
				return true, b, "block listed twice"
			}
			seen[b] = true
			if _, dup := c.owner[b]; dup {
				return true, b, ""
			}
		}
	}
	return false, 0, ""
}

type dirItem struct {
	ino, parent common.Ino
}

// chktree descends the directory tree from the root, counting the entries
// that name each inode.
func (c *checker) chktree(ctx context.Context) error {
	root := c.recs[common.ROOT_INODE]
	if root == nil || root.d.Mode&common.I_TYPE != common.I_DIRECTORY {
		return common.Corruptf("root inode is not a directory")
	}
	visited := map[common.Ino]bool{common.ROOT_INODE: true}
	queue := []dirItem{{common.ROOT_INODE, common.ROOT_INODE}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		more, err := c.descend(ctx, item, visited)
		if err != nil {
			return err
		}
		queue = append(queue, more...)
	}
	return nil
}

func (c *checker) descend(ctx context.Context, item dirItem, visited map[common.Ino]bool) ([]dirItem, error) {
	rec := c.recs[item.ino]
	if rec.d.Nlinks == 0 && !c.it.Referenced(item.ino) {
		// Loading it now would reclaim it on release.
		if !c.repair {
			c.problem(WRONG_NLINKS, item.ino, 0, false, "reachable directory has no links")
			return nil, nil
		}
		if _, err := c.rewrite(ctx, item.ino, func(d *common.Disk_Inode) { d.Nlinks = 1 }); err != nil {
			return nil, err
		}
	}

	dirp, err := c.it.GetInode(ctx, item.ino)
	if err != nil {
		return nil, err
	}
	defer c.it.PutInode(ctx, dirp)

	var next []dirItem
	var stale []int
	var dot, dotdot bool
	dirp.RLock()
	err = c.it.ScanDir(ctx, dirp, 0, func(slot int, d common.Disk_Dirent) bool {
		if d.Inum == 0 {
			return true
		}
		name := d.NameString()
		target := common.Ino(d.Inum)
		trec := c.recs[target]
		switch {
		case name == ".":
			dot = true
			if target != item.ino {
				c.problem(BAD_DOTS, item.ino, 0, false, ". names inode %d", target)
				return true
			}
		case name == "..":
			dotdot = true
			if target != item.parent {
				c.problem(BAD_DOTS, item.ino, 0, false, ".. names inode %d, parent is %d", target, item.parent)
				return true
			}
		case trec == nil:
			c.problem(DANGLING_ENTRY, item.ino, 0, c.repair, "%q names inode %d", name, target)
			stale = append(stale, slot)
			return true
		case trec.d.Mode&common.I_TYPE == common.I_DIRECTORY:
			if visited[target] {
				c.problem(DIR_HARDLINK, item.ino, 0, c.repair, "%q names directory %d again", name, target)
				stale = append(stale, slot)
				return true
			}
			visited[target] = true
			next = append(next, dirItem{target, item.ino})
		}
		c.refs[target]++
		return true
	})
	dirp.RUnlock()
	if err != nil {
		return nil, err
	}
	if !dot || !dotdot {
		c.problem(BAD_DOTS, item.ino, 0, false, "missing . or ..")
	}

	if c.repair && len(stale) > 0 {
		dirp.Lock()
		for _, slot := range stale {
			if err = c.it.ClearSlot(ctx, dirp, slot); err != nil {
				break
			}
		}
		if err == nil {
			err = c.it.FlushInode(ctx, dirp)
		}
		dirp.Unlock()
	}
	return next, err
}

// chkmaps compares both bitmaps with what the records claim.
func (c *checker) chkmaps(ctx context.Context) error {
	for i := uint32(1); i <= c.sb.Inodes; i++ {
		used := c.recs[common.Ino(i)] != nil
		if c.alloc.InodeAllocated(i) == used {
			continue
		}
		if c.repair {
			c.alloc.SetInode(i, used)
		}
		c.problem(IMAP_MISMATCH, common.Ino(i), 0, c.repair, "bitmap says %v", !used)
	}
	for b := c.sb.FirstData; b < c.sb.Blocks; b++ {
		ino, used := c.owner[b]
		if c.alloc.BlockAllocated(b) == used {
			continue
		}
		if c.repair {
			c.alloc.SetBlock(b, used)
		}
		c.problem(ZMAP_MISMATCH, ino, b, c.repair, "bitmap says %v", !used)
	}
	return nil
}

// chkcount reclaims inodes no entry names and corrects link counts.
func (c *checker) chkcount(ctx context.Context) error {
	for i := uint32(1); i <= c.sb.Inodes; i++ {
		ino := common.Ino(i)
		rec := c.recs[ino]
		if rec == nil {
			continue
		}
		n := c.refs[ino]
		if n == 0 {
			if ino == common.ROOT_INODE {
				continue
			}
			if rec.d.Nlinks == 0 && c.it.Referenced(ino) {
				// unlinked but still open; reclaimed on last close
				continue
			}
			fixed, err := c.reclaim(ctx, ino)
			if err != nil {
				return err
			}
			c.problem(ORPHAN_INODE, ino, 0, fixed, "%d links, no entries", rec.d.Nlinks)
			continue
		}
		if int(rec.d.Nlinks) != n {
			was := rec.d.Nlinks
			fixed, err := c.rewrite(ctx, ino, func(d *common.Disk_Inode) { d.Nlinks = uint16(n) })
			if err != nil {
				return err
			}
			c.problem(WRONG_NLINKS, ino, 0, fixed, "count %d, found %d entries", was, n)
		}
	}
	return nil
}

func (c *checker) tally() {
	c.report.UsedBlocks = uint32(len(c.owner))
	c.report.FreeBlocks, c.report.FreeInodes = c.alloc.Counts()
	c.report.DataBlocks = c.alloc.DataBlocks()
}

// clearRecord marks a bad record free.
func (c *checker) clearRecord(ctx context.Context, ino common.Ino, d common.Disk_Inode) (bool, error) {
	if !c.repair || c.it.Referenced(ino) {
		return false, nil
	}
	if err := c.it.WriteRecord(ctx, ino, common.Disk_Inode{Generation: d.Generation + 1}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// rewrite applies fn to a valid record, through the in-memory inode when it
// is safe to load one.
func (c *checker) rewrite(ctx context.Context, ino common.Ino, fn func(d *common.Disk_Inode)) (bool, error) {
	if !c.repair {
		return false, nil
	}
	rec := c.recs[ino]
	if rec.d.Nlinks == 0 && !c.it.Referenced(ino) {
		fn(&rec.d)
		return true, c.it.WriteRecord(ctx, ino, rec.d, rec.extents)
	}
	fn(&rec.d)
	rip, err := c.it.GetInode(ctx, ino)
	if err != nil {
		return false, err
	}
	rip.Lock()
	fn(&rip.Disk_Inode)
	err = c.it.FlushInode(ctx, rip)
	rip.Unlock()
	if perr := c.it.PutInode(ctx, rip); err == nil {
		err = perr
	}
	return err == nil, err
}

// reclaim frees an orphan through the inode table, which returns its blocks
// and number to the allocator.
func (c *checker) reclaim(ctx context.Context, ino common.Ino) (bool, error) {
	if !c.repair {
		return false, nil
	}
	rec := c.recs[ino]
	rip, err := c.it.GetInode(ctx, ino)
	if err != nil {
		return false, err
	}
	rip.Lock()
	rip.Nlinks = 0
	rip.Dirty = true
	rip.Unlock()
	if err := c.it.PutInode(ctx, rip); err != nil {
		return false, err
	}
	if c.it.Referenced(ino) {
		// freed at its last close
		return true, nil
	}
	claimed := append(common.ExtentList(nil), rec.extents...)
	if rec.d.Indirect != 0 {
		claimed = append(claimed, common.Extent{Start: rec.d.Indirect, Count: 1})
	}
	for _, e := range claimed {
		for b := e.Start; b < e.End(); b++ {
			delete(c.owner, b)
		}
	}
	if rec.d.Mode&common.I_TYPE == common.I_DIRECTORY {
		c.report.Directories--
	} else {
		c.report.Regular--
	}
	delete(c.recs, ino)
	return true, nil
}
