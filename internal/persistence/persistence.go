// Package persistence implements the Store boundary spec.md §6 names:
// save_orders/save_positions and their inverse get_orders/get_positions,
// keyed by (source, ts). It is grounded on two teacher pieces: the
// gorm/postgres client in pkg/conn/pg.go (kept as-is and adapted here
// into a Store implementation) and state/snapshot.go's JSON
// WriteSnapshot/ReadSnapshot idiom, which is a closer match to spec.md's
// plain dict-shaped save/get pair than the teacher's binary WAL codec.
package persistence

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/position"
	"github.com/rsheftel/runner/internal/xerrors"
)

// Store is the persistence boundary. EventProcessor calls SaveOrders and
// SavePositions at end of day; GetOrders and GetPositions read a
// snapshot back, and cmd/runner does not call them.
type Store interface {
	SaveOrders(source string, ts time.Time, orders []*order.Order) error
	SavePositions(source string, ts time.Time, positions []position.Row) error
	GetOrders(source string, ts time.Time) ([]*order.Order, error)
	GetPositions(source string, ts time.Time) ([]position.Row, error)
}

// snapshotKey identifies one saved (source, ts) pair.
type snapshotKey struct {
	source string
	ts     time.Time
}

// Memory is an in-process Store, the default for backtests and tests.
type Memory struct {
	orders    map[snapshotKey][]order.Dict
	positions map[snapshotKey][]position.Row
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[snapshotKey][]order.Dict),
		positions: make(map[snapshotKey][]position.Row),
	}
}

func (m *Memory) SaveOrders(source string, ts time.Time, orders []*order.Order) error {
	dicts := make([]order.Dict, len(orders))
	for i, o := range orders {
		dicts[i] = o.ToDict()
	}
	m.orders[snapshotKey{source, ts}] = dicts
	return nil
}

func (m *Memory) SavePositions(source string, ts time.Time, positions []position.Row) error {
	cp := make([]position.Row, len(positions))
	copy(cp, positions)
	m.positions[snapshotKey{source, ts}] = cp
	return nil
}

func (m *Memory) GetOrders(source string, ts time.Time) ([]*order.Order, error) {
	dicts, ok := m.orders[snapshotKey{source, ts}]
	if !ok {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, "no saved orders for source/ts")
	}
	out := make([]*order.Order, len(dicts))
	for i, d := range dicts {
		o, err := order.FromDict(d)
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

func (m *Memory) GetPositions(source string, ts time.Time) ([]position.Row, error) {
	rows, ok := m.positions[snapshotKey{source, ts}]
	if !ok {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, "no saved positions for source/ts")
	}
	return rows, nil
}

var _ Store = (*Memory)(nil)

// orderSnapshotModel and positionSnapshotModel are the gorm row shapes:
// one JSON blob per (source, ts) snapshot, mirroring snapshot.go's
// whole-file-per-snapshot strategy rather than one row per order.
type orderSnapshotModel struct {
	Source  string `gorm:"primaryKey"`
	Ts      time.Time `gorm:"primaryKey"`
	Payload []byte
}

func (orderSnapshotModel) TableName() string { return "runner_order_snapshots" }

type positionSnapshotModel struct {
	Source  string `gorm:"primaryKey"`
	Ts      time.Time `gorm:"primaryKey"`
	Payload []byte
}

func (positionSnapshotModel) TableName() string { return "runner_position_snapshots" }

// Postgres is a gorm-backed Store.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps an already-open *gorm.DB (constructed via
// pkg/conn.New(...).DB()) and ensures its snapshot tables exist.
func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&orderSnapshotModel{}, &positionSnapshotModel{}); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) SaveOrders(source string, ts time.Time, orders []*order.Order) error {
	dicts := make([]order.Dict, len(orders))
	for i, o := range orders {
		dicts[i] = o.ToDict()
	}
	payload, err := json.Marshal(dicts)
	if err != nil {
		return xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	row := orderSnapshotModel{Source: source, Ts: ts, Payload: payload}
	if err := p.db.Save(&row).Error; err != nil {
		return xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	return nil
}

func (p *Postgres) SavePositions(source string, ts time.Time, positions []position.Row) error {
	payload, err := json.Marshal(positions)
	if err != nil {
		return xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	row := positionSnapshotModel{Source: source, Ts: ts, Payload: payload}
	if err := p.db.Save(&row).Error; err != nil {
		return xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	return nil
}

func (p *Postgres) GetOrders(source string, ts time.Time) ([]*order.Order, error) {
	var row orderSnapshotModel
	if err := p.db.Where("source = ? AND ts = ?", source, ts).First(&row).Error; err != nil {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	var dicts []order.Dict
	if err := json.Unmarshal(row.Payload, &dicts); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	out := make([]*order.Order, len(dicts))
	for i, d := range dicts {
		o, err := order.FromDict(d)
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

func (p *Postgres) GetPositions(source string, ts time.Time) ([]position.Row, error) {
	var row positionSnapshotModel
	if err := p.db.Where("source = ? AND ts = ?", source, ts).First(&row).Error; err != nil {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	var rows []position.Row
	if err := json.Unmarshal(row.Payload, &rows); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrPersistence, err.Error())
	}
	return rows, nil
}

var _ Store = (*Postgres)(nil)
