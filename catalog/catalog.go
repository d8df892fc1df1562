// Package catalog implements the minimal metadata directory that sits on
// top of the storage and index layers: table and index lifecycle, backed
// by an in-memory directory that is periodically flushed to the catalog
// meta page (logical page 0).
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"coredb/index/btree"
	"coredb/storage/buffer"
	"coredb/storage/page"
	"coredb/storage/schema"
	"coredb/storage/table"
)

var (
	ErrTableAlreadyExist   = errors.New("catalog: table already exists")
	ErrTableNotExist       = errors.New("catalog: table does not exist")
	ErrIndexAlreadyExist   = errors.New("catalog: index already exists")
	ErrIndexNotFound       = errors.New("catalog: index not found")
	ErrColumnNameNotExist  = errors.New("catalog: column name does not exist")
)

// TableInfo is everything the catalog remembers about one table: its
// schema and the heap storing its rows.
type TableInfo struct {
	Name   string
	Schema *schema.Schema
	Heap   *table.Heap
}

// IndexInfo is everything the catalog remembers about one index: the
// B+tree itself, the columns it indexes, and the key schema it was built
// from.
type IndexInfo struct {
	Name        string
	TableName   string
	ColumnNames []string
	KeySchema   *schema.Schema
	Tree        *btree.BPlusTree

	id int32
}

// Manager is the catalog: an in-memory table/index directory over the
// shared buffer pool, logical page 1 (IndexRootsPage) for index roots, and
// logical page 0 for its own persisted directory.
type Manager struct {
	mu sync.RWMutex

	bp          buffer.Pool
	rootsPageID page.ID

	tables map[string]*TableInfo
	// indexes is keyed by (tableName, indexName); GetTableIndexes/DropIndex
	// scan it, matching a caller that only has the bare index name (the
	// original's ExecuteDropIndex shape).
	indexes map[indexKey]*IndexInfo

	nextIndexID int32
}

type indexKey struct {
	table string
	index string
}

// NewManager opens a catalog over bp, with logical page rootsPageID
// (conventionally 1) holding every index's root page id.
func NewManager(bp buffer.Pool, rootsPageID page.ID) *Manager {
	return &Manager{
		bp:          bp,
		rootsPageID: rootsPageID,
		tables:      make(map[string]*TableInfo),
		indexes:     make(map[indexKey]*IndexInfo),
	}
}

// CreateTable allocates a fresh heap for name and registers it. txnID is
// accepted for interface symmetry with the rest of the core (row-level
// locking and logging ultimately key off it) but table creation itself
// does not yet participate in the lock/log path.
func (m *Manager) CreateTable(txnID uint64, name string, s *schema.Schema) (*TableInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[name]; ok {
		return nil, ErrTableAlreadyExist
	}

	heap, err := table.NewHeap(m.bp, s)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating heap for table %q: %w", name, err)
	}

	info := &TableInfo{Name: name, Schema: s, Heap: heap}
	m.tables[name] = info
	return info, nil
}

func (m *Manager) GetTable(name string) (*TableInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotExist
	}
	return info, nil
}

// DropTable removes name from the directory. It is idempotent in the sense
// required by spec: the first call on an existing table succeeds, a second
// call (or a call on an unknown name) returns ErrTableNotExist.
func (m *Manager) DropTable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; !ok {
		return ErrTableNotExist
	}
	delete(m.tables, name)
	for k := range m.indexes {
		if k.table == name {
			delete(m.indexes, k)
		}
	}
	return nil
}

// CreateIndex builds a B+tree over tableName's columnNames, backfills it
// from every existing row, and registers it. txnID is accepted for the
// same reason as in CreateTable.
func (m *Manager) CreateIndex(txnID uint64, tableName, indexName string, columnNames []string) (*IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, ok := m.tables[tableName]
	if !ok {
		return nil, ErrTableNotExist
	}
	key := indexKey{table: tableName, index: indexName}
	if _, ok := m.indexes[key]; ok {
		return nil, ErrIndexAlreadyExist
	}
	for _, name := range columnNames {
		if _, err := tbl.Schema.GetColumnIndex(name); err != nil {
			return nil, ErrColumnNameNotExist
		}
	}

	keySchema, err := schema.KeySchema(tbl.Schema, columnNames)
	if err != nil {
		return nil, ErrColumnNameNotExist
	}

	m.nextIndexID++
	indexID := m.nextIndexID
	tree, err := btree.NewBPlusTree(m.bp, encodedKeySize(keySchema), m.rootsPageID, indexID)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating index %q: %w", indexName, err)
	}

	for it := table.Begin(tbl.Heap); it.Valid(); it.Next() {
		row := it.Row()
		keyRow, err := schema.KeyFromRow(tbl.Schema, keySchema, row)
		if err != nil {
			return nil, err
		}
		if err := tree.Insert(encodeKey(keySchema, keyRow), row.RID.Pack()); err != nil {
			return nil, fmt.Errorf("catalog: backfilling index %q: %w", indexName, err)
		}
	}

	info := &IndexInfo{Name: indexName, TableName: tableName, ColumnNames: columnNames, KeySchema: keySchema, Tree: tree, id: indexID}
	m.indexes[key] = info
	return info, nil
}

func (m *Manager) GetTableIndexes(tableName string) ([]*IndexInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tables[tableName]; !ok {
		return nil, ErrTableNotExist
	}
	var out []*IndexInfo
	for k, info := range m.indexes {
		if k.table == tableName {
			out = append(out, info)
		}
	}
	return out, nil
}

// DropIndex removes every (table, indexName) entry across every table,
// since a caller only has the bare index name. Returns nil if any table
// had a matching index, else ErrIndexNotFound.
func (m *Manager) DropIndex(indexName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for k := range m.indexes {
		if k.index == indexName {
			delete(m.indexes, k)
			found = true
		}
	}
	if !found {
		return ErrIndexNotFound
	}
	return nil
}

// FlushCatalogMetaPage serializes the table/index directory to logical
// page 0 and flushes it through the buffer pool.
func (m *Manager) FlushCatalogMetaPage() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, err := m.bp.FetchPage(catalogMetaPageID)
	if err != nil {
		return fmt.Errorf("catalog: fetching meta page: %w", err)
	}
	serializeDirectory(raw, m.tables, m.indexes)
	if err := m.bp.UnpinPage(catalogMetaPageID, true); err != nil {
		return err
	}
	return m.bp.FlushPage(catalogMetaPageID)
}

// OpenManager reopens a catalog previously flushed by FlushCatalogMetaPage:
// every table's heap is reattached without replaying its rows, and every
// index's B+tree reattaches to its existing root through the shared
// index-roots page using its persisted id, so no backfill is needed.
func OpenManager(bp buffer.Pool, rootsPageID page.ID) (*Manager, error) {
	raw, err := bp.FetchPage(catalogMetaPageID)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetching meta page: %w", err)
	}
	defer bp.UnpinPage(catalogMetaPageID, false)

	tables, loaded, err := LoadDirectory(raw, bp)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		bp:          bp,
		rootsPageID: rootsPageID,
		tables:      tables,
		indexes:     make(map[indexKey]*IndexInfo, len(loaded)),
	}
	for _, li := range loaded {
		tbl, ok := tables[li.tableName]
		if !ok {
			return nil, fmt.Errorf("catalog: index %q references unknown table %q", li.indexName, li.tableName)
		}
		keySchema, err := schema.KeySchema(tbl.Schema, li.columnNames)
		if err != nil {
			return nil, fmt.Errorf("catalog: rebuilding key schema for index %q: %w", li.indexName, err)
		}
		tree, err := btree.NewBPlusTree(bp, encodedKeySize(keySchema), rootsPageID, li.id)
		if err != nil {
			return nil, fmt.Errorf("catalog: reattaching index %q: %w", li.indexName, err)
		}
		m.indexes[indexKey{table: li.tableName, index: li.indexName}] = &IndexInfo{
			Name:        li.indexName,
			TableName:   li.tableName,
			ColumnNames: li.columnNames,
			KeySchema:   keySchema,
			Tree:        tree,
			id:          li.id,
		}
		if li.id > m.nextIndexID {
			m.nextIndexID = li.id
		}
	}
	return m, nil
}
