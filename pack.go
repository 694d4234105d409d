package xpack

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/conf"
	"github.com/zhukovaskychina/xpack/internal/addrlock"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
	"github.com/zhukovaskychina/xpack/internal/archive"
	"github.com/zhukovaskychina/xpack/internal/byremaining"
	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/player"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
	"github.com/zhukovaskychina/xpack/internal/vacuum"
	"github.com/zhukovaskychina/xpack/logger"
)

// addressPoolBucket is the single bucket index used by the address-page
// free-slot table: unlike the by-remaining table, an address page either has
// a free slot or it doesn't, so there is nothing to rank by.
const addressPoolBucket = 0

// Pack is the open pack file: the header plus every subsystem wired over the
// shared sheaf, grounded on the teacher's main.go building one shared
// service set (buffer pool, dictionary, lock manager) before accepting
// connections.
type Pack struct {
	cfg    *conf.Cfg
	tuning *conf.Tuning

	sh     *sheaf.Sheaf
	header *Header

	boundary *addrspace.Boundary
	interim  *interimpool.Pool

	blockLookup *byremaining.LookupPagePool
	blockTable  *byremaining.Table

	addrLookup    *byremaining.LookupPagePool
	addrPageTable *byremaining.Table

	locker *addrlock.Locker
	temp   *addrlock.TemporaryPool

	ply *player.Player
	vac *vacuum.Vacuum
	arc *archive.Archiver

	statics *StaticBlockMap

	// slots is a channel-backed semaphore over the JournalCount journal
	// indices: acquiring one means exclusive use of that header slot, by a
	// mutator or by a short-lived housekeeping transaction (growAddressRegion).
	slots chan int
}

// Stats is the engine's read-only diagnostics surface.
type Stats struct {
	CacheHits, CacheMisses uint64
	BlockBuckets           int
	AddressBuckets         int
	StaticBlocks           int
}

// Open opens path per cfg, bootstrapping a fresh header if the file is
// empty, else loading and recovering an existing one. Grounded on the
// teacher's main.go: load config, open storage, wire the shared service set.
func Open(cfg *conf.Cfg, tuning *conf.Tuning) (*Pack, error) {
	sh, err := sheaf.Open(cfg.PackPath(), cfg.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "xpack: open")
	}

	var p *Pack
	if sh.Size() == 0 {
		p, err = bootstrap(sh, cfg, tuning)
	} else {
		p, err = reopen(sh, cfg, tuning)
	}
	if err != nil {
		sh.Close()
		return nil, err
	}

	if err := runRecovery(p.header, p.sh, p.interim, p.ply, p.temp); err != nil {
		sh.Close()
		return nil, errors.Wrap(err, "xpack: open recovery")
	}
	// Only Close stamps a soft shutdown; while open the flag reads hard so a
	// crash is recovered on the next Open.
	if err := p.header.SetSoftShutdown(false); err != nil {
		sh.Close()
		return nil, errors.Wrap(err, "xpack: open")
	}

	arc, err := archive.Open(cfg.PackPath())
	if err != nil {
		sh.Close()
		return nil, errors.Wrap(err, "xpack: open journal archive")
	}
	p.arc = arc
	p.ply.SetArchiver(arc)

	logger.Infof("xpack: opened %q (page size %d, %d journal(s))", cfg.PackPath(), cfg.PageSize, cfg.JournalCount)
	return p, nil
}

func bootstrap(sh *sheaf.Sheaf, cfg *conf.Cfg, tuning *conf.Tuning) (*Pack, error) {
	header := NewHeader(sh, bootstrapOptions{
		PageSize:            cfg.PageSize,
		Alignment:           cfg.Alignment,
		JournalCount:        cfg.JournalCount,
		AddressPagePoolSize: cfg.AddressPagePoolSize,
	})

	statics := make(map[string]uint64, len(tuning.StaticBlocks))
	for _, e := range tuning.StaticBlocks {
		statics[e.URI] = uint64(e.Address)
	}
	encoded, count := EncodeStaticBlockMap(statics)
	if err := header.SetStaticBlocks(count, encoded); err != nil {
		return nil, err
	}

	interim := interimpool.New(sh, cfg.PageSize, header.AddressRegionStart())

	addrPositions := make([]sheaf.Position, 0, cfg.AddressPagePoolSize)
	for i := uint32(0); i < cfg.AddressPagePoolSize; i++ {
		pg, err := interim.Take()
		if err != nil {
			return nil, err
		}
		addrspace.Init(pg, cfg.PageSize)
		addrPositions = append(addrPositions, pg.Pos)
	}
	boundary := addrspace.New(interim.HighWater(), cfg.PageSize)
	if err := header.SetAddressBoundary(boundary.Position()); err != nil {
		return nil, err
	}

	addrLookup := byremaining.NewLookupPagePool(sh, interim, cfg.PageSize, tuning.LookupBlockSizes)
	addrMetaPage, err := interim.Take()
	if err != nil {
		return nil, err
	}
	addrMeta, err := byremaining.NewMetadata(sh, addrMetaPage.Pos, cfg.PageSize, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	addrPageTable := byremaining.NewTableWithMetadata(addrLookup, cfg.PageSize, addrMeta, nil)
	for _, pos := range addrPositions {
		if err := addrPageTable.Add(addressPoolBucket, uint64(pos)); err != nil {
			return nil, err
		}
	}
	if err := header.SetAddressLookupPool(addrMeta.Position()); err != nil {
		return nil, err
	}

	blockLookup := byremaining.NewLookupPagePool(sh, interim, cfg.PageSize, tuning.LookupBlockSizes)
	blockMetaPage, err := interim.Take()
	if err != nil {
		return nil, err
	}
	blockMeta, err := byremaining.NewMetadata(sh, blockMetaPage.Pos, cfg.PageSize, cfg.Alignment)
	if err != nil {
		return nil, err
	}
	blockTable := byremaining.NewTableWithMetadata(blockLookup, cfg.Alignment, blockMeta, nil)
	if err := header.SetByRemainingTable(blockMeta.Position()); err != nil {
		return nil, err
	}

	locker := addrlock.New(addrlock.DefaultArity)
	temp := addrlock.NewTemporaryPool(sh, interim, cfg.PageSize, addrlock.NodeRef(header.FirstTemporaryNode))
	ply := player.New(sh, cfg.PageSize, boundary, locker, temp)

	statMap, err := LoadStaticBlockMap(encoded, count)
	if err != nil {
		return nil, err
	}

	return newPack(cfg, tuning, sh, header, boundary, interim, blockLookup, blockTable, addrLookup, addrPageTable, locker, temp, ply, statMap), nil
}

func reopen(sh *sheaf.Sheaf, cfg *conf.Cfg, tuning *conf.Tuning) (*Pack, error) {
	header, err := LoadHeader(sh)
	if err != nil {
		return nil, err
	}

	interim := interimpool.New(sh, header.PageSize, sh.Size())
	boundary := addrspace.New(header.AddressBoundary, header.PageSize)

	addrLookup := byremaining.NewLookupPagePool(sh, interim, header.PageSize, tuning.LookupBlockSizes)
	addrMeta, addrAlignment, addrBuckets, err := byremaining.LoadMetadata(sh, header.AddressLookupPool, header.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "xpack: load address lookup metadata")
	}
	addrPageTable := byremaining.NewTableWithMetadata(addrLookup, addrAlignment, addrMeta, addrBuckets)

	blockLookup := byremaining.NewLookupPagePool(sh, interim, header.PageSize, tuning.LookupBlockSizes)
	blockMeta, blockAlignment, blockBuckets, err := byremaining.LoadMetadata(sh, header.ByRemainingTable, header.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "xpack: load by-remaining metadata")
	}
	blockTable := byremaining.NewTableWithMetadata(blockLookup, blockAlignment, blockMeta, blockBuckets)

	locker := addrlock.New(addrlock.DefaultArity)
	temp := addrlock.NewTemporaryPool(sh, interim, header.PageSize, addrlock.NodeRef(header.FirstTemporaryNode))
	ply := player.New(sh, header.PageSize, boundary, locker, temp)

	statics, err := LoadStaticBlockMap(header.staticBlocks, header.StaticBlockCount)
	if err != nil {
		return nil, errors.Wrap(err, "xpack: load static block map")
	}

	return newPack(cfg, tuning, sh, header, boundary, interim, blockLookup, blockTable, addrLookup, addrPageTable, locker, temp, ply, statics), nil
}

func newPack(
	cfg *conf.Cfg, tuning *conf.Tuning,
	sh *sheaf.Sheaf, header *Header, boundary *addrspace.Boundary, interim *interimpool.Pool,
	blockLookup *byremaining.LookupPagePool, blockTable *byremaining.Table,
	addrLookup *byremaining.LookupPagePool, addrPageTable *byremaining.Table,
	locker *addrlock.Locker, temp *addrlock.TemporaryPool,
	ply *player.Player, statics *StaticBlockMap,
) *Pack {
	slots := make(chan int, header.JournalCount)
	for i := 0; i < int(header.JournalCount); i++ {
		slots <- i
	}

	p := &Pack{
		cfg: cfg, tuning: tuning,
		sh: sh, header: header,
		boundary: boundary, interim: interim,
		blockLookup: blockLookup, blockTable: blockTable,
		addrLookup: addrLookup, addrPageTable: addrPageTable,
		locker: locker, temp: temp,
		ply:     ply,
		statics: statics,
		slots:   slots,
	}
	strategy := selectVacuumStrategy(tuning.VacuumStrategy)
	p.vac = vacuum.New(sh, header.PageSize, interim, blockTable, strategy)
	return p
}

func selectVacuumStrategy(name string) vacuum.Strategy {
	switch name {
	case "best-fit", "":
		return vacuum.BestFit{}
	default:
		logger.Warnf("xpack: unknown vacuum strategy %q, using best-fit", name)
		return vacuum.BestFit{}
	}
}

// Close stamps a soft shutdown and closes the underlying file.
func (p *Pack) Close() error {
	if err := p.header.SetSoftShutdown(true); err != nil {
		return err
	}
	if p.arc != nil {
		if err := p.arc.Close(); err != nil {
			logger.Warnf("xpack: closing journal archive: %v", err)
		}
	}
	return p.sh.Close()
}

// Stats returns the engine's current diagnostics snapshot.
func (p *Pack) Stats() Stats {
	ss := p.sh.Stats()
	return Stats{
		CacheHits:      ss.Hits,
		CacheMisses:    ss.Misses,
		BlockBuckets:   p.blockTable.BucketCount(),
		AddressBuckets: p.addrPageTable.BucketCount(),
		StaticBlocks:   p.statics.Len(),
	}
}

// StaticBlock resolves a pre-installed URI to its address.
func (p *Pack) StaticBlock(uri string) (uint64, bool) {
	return p.statics.Resolve(uri)
}

// Mutate begins a new mutator, blocking until a journal slot is free.
func (p *Pack) Mutate() (*Mutator, error) {
	slot := <-p.slots
	j, err := journal.New(p.interim, p.header.PageSize)
	if err != nil {
		p.slots <- slot
		return nil, err
	}
	return &Mutator{pack: p, slot: slot, journal: j}, nil
}

// Vacuum runs one compaction pass over freed and allocated user pages,
// borrowing a journal slot like any other transaction.
func (p *Pack) Vacuum(freed, allocated []sheaf.Position) error {
	slot := <-p.slots
	defer func() { p.slots <- slot }()

	j, err := journal.New(p.interim, p.header.PageSize)
	if err != nil {
		return err
	}
	if err := p.vac.Run(freed, allocated, j, p.ply, slot, p.header); err != nil {
		return err
	}
	for _, pos := range j.Pages() {
		p.interim.Release(pos)
	}
	return nil
}

// reserveAddress hands out a fresh address, growing the address region if
// every tracked address page is currently full. Reservation itself is never
// journaled (§4.6 has no RESERVE op): a crash between reserving and the
// paired commit simply leaks the slot, which is acceptable.
func (p *Pack) reserveAddress() (addrspace.Address, error) {
	for {
		pos, err := p.addrPageTable.Poll(addressPoolBucket)
		if err != nil {
			return 0, err
		}
		if pos == 0 {
			if err := p.growAddressRegion(); err != nil {
				return 0, err
			}
			continue
		}

		page, err := p.sh.Get(sheaf.Position(pos))
		if err != nil {
			return 0, err
		}
		ap := addrspace.Load(page, p.header.PageSize)
		addr, ok := ap.Reserve()
		if !ok {
			// Raced with another reserver since this page was last tracked
			// as having room; drop it and try the next candidate.
			continue
		}
		if ap.FreeCount() > 0 {
			if err := p.addrPageTable.Add(addressPoolBucket, pos); err != nil {
				return 0, err
			}
		}
		return addr, nil
	}
}

// unreserve directly frees a reserved-but-never-committed address, for
// mutator rollback. It bypasses the journal, mirroring reserveAddress's own
// unjournaled reservation.
func (p *Pack) unreserve(addr uint64) error {
	pageSize := p.header.PageSize
	pagePos := sheaf.Position(addr - addr%uint64(pageSize))
	raw, err := p.sh.Get(pagePos)
	if err != nil {
		return err
	}
	ap := addrspace.Load(raw, pageSize)
	ap.Free(addrspace.Address(addr))
	return p.maybeReaddAddressPage(addr)
}

// maybeReaddAddressPage re-tracks addr's owning page in the address pool
// table if it now has a free slot, the bookkeeping a FREE or rollback can
// trigger on a page that had previously been polled out as full.
func (p *Pack) maybeReaddAddressPage(addr uint64) error {
	pageSize := p.header.PageSize
	pagePos := sheaf.Position(addr - addr%uint64(pageSize))
	raw, err := p.sh.Get(pagePos)
	if err != nil {
		return err
	}
	ap := addrspace.Load(raw, pageSize)
	if ap.FreeCount() > 0 {
		return p.addrPageTable.Add(addressPoolBucket, uint64(pagePos))
	}
	return nil
}

// growAddressRegion promotes the user page currently sitting at the address
// boundary into a new address page, per §4.1: MOVE_PAGE relocates its
// content to a fresh interim position, then CREATE_ADDRESS_PAGE reinitializes
// the old position and advances the boundary. Run as its own short
// transaction on a borrowed journal slot, exactly like a mutator's commit.
func (p *Pack) growAddressRegion() error {
	slot := <-p.slots
	defer func() { p.slots <- slot }()

	j, err := journal.New(p.interim, p.header.PageSize)
	if err != nil {
		return err
	}

	u := p.boundary.Position()
	moved, err := p.interim.Take()
	if err != nil {
		return err
	}

	if err := j.Write(journal.MovePage{From: u, To: moved.Pos}); err != nil {
		return err
	}
	if err := j.Write(journal.CreateAddressPage{Position: u, MovedTo: moved.Pos}); err != nil {
		return err
	}
	if err := j.Write(journal.Commit{}); err != nil {
		return err
	}
	if err := j.Write(journal.Terminate{}); err != nil {
		return err
	}
	if err := p.sh.Flush(); err != nil {
		return err
	}
	if err := p.header.SetJournalStart(slot, j.FirstPosition()); err != nil {
		return err
	}
	if err := p.header.Force(); err != nil {
		return err
	}
	if err := p.ply.Replay(slot, j.FirstOpCursor(), p.header); err != nil {
		return err
	}
	for _, pos := range j.Pages() {
		p.interim.Release(pos)
	}

	return p.addrPageTable.Add(addressPoolBucket, uint64(u))
}

// resolve dereferences a possibly-stale stored position, following a page
// promotion if one has since moved it.
func (p *Pack) resolve(pos sheaf.Position) (sheaf.Position, error) {
	p.boundary.RLock()
	defer p.boundary.RUnlock()
	return p.boundary.Adjust(pos, p.sh)
}

// Walk invokes fn for every currently allocated address, in address-page
// order, without opening a mutator. Used by xpack/export to stream a
// snapshot of the live address space without pinning a journal slot for the
// whole pass.
func (p *Pack) Walk(fn func(addrspace.Address) error) error {
	pageSize := p.header.PageSize
	start := p.header.AddressRegionStart()
	end := p.boundary.Position()
	slots := addrspace.SlotsPerPage(pageSize)

	for pos := start; pos < end; pos += sheaf.Position(pageSize) {
		raw, err := p.sh.Get(pos)
		if err != nil {
			return err
		}
		ap := addrspace.Load(raw, pageSize)
		for i := 1; i < slots; i++ {
			addr := addrspace.Address(uint64(pos) + uint64(i)*8)
			ref := ap.Dereference(addr)
			if ref == addrspace.Free || ref == addrspace.Reserved {
				continue
			}
			if err := fn(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadLive reads address's current committed payload outside of any
// mutator, for a caller (export.Dump, diagnostics) that only needs a
// point-in-time snapshot rather than a transaction.
func (p *Pack) ReadLive(address addrspace.Address) ([]byte, error) {
	return p.readCommitted(address)
}
