package manifest

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ChangeOp is the kind of a manifest change.
type ChangeOp uint64

const (
	OpAddTable    ChangeOp = 1
	OpRemoveTable ChangeOp = 2
)

func (op ChangeOp) String() string {
	switch op {
	case OpAddTable:
		return "add"
	case OpRemoveTable:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint64(op))
	}
}

// Change adds a table to a level or removes it from the level set.
type Change struct {
	Op         ChangeOp
	TableID    uint64
	Level      int
	Smallest   []byte
	Largest    []byte
	MaxVersion uint64
}

// ChangeSet is applied atomically. A checkpoint change set replaces the
// whole level set with its AddTable changes.
type ChangeSet struct {
	Checkpoint bool
	Changes    []Change
}

// AddTable builds an AddTable change.
func AddTable(id uint64, level int, smallest, largest []byte, maxVersion uint64) Change {
	return Change{Op: OpAddTable, TableID: id, Level: level, Smallest: smallest, Largest: largest, MaxVersion: maxVersion}
}

// RemoveTable builds a RemoveTable change.
func RemoveTable(id uint64) Change {
	return Change{Op: OpRemoveTable, TableID: id}
}

// Protobuf field numbers. Fields are only ever added, and decoders skip
// numbers they do not know, so older binaries can read newer records.
const (
	fieldChangeSetChanges    protowire.Number = 1
	fieldChangeSetCheckpoint protowire.Number = 2

	fieldChangeOp         protowire.Number = 1
	fieldChangeTableID    protowire.Number = 2
	fieldChangeLevel      protowire.Number = 3
	fieldChangeSmallest   protowire.Number = 4
	fieldChangeLargest    protowire.Number = 5
	fieldChangeMaxVersion protowire.Number = 6
)

func (c *Change) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldChangeOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Op))
	b = protowire.AppendTag(b, fieldChangeTableID, protowire.VarintType)
	b = protowire.AppendVarint(b, c.TableID)
	if c.Op == OpAddTable {
		b = protowire.AppendTag(b, fieldChangeLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Level))
		b = protowire.AppendTag(b, fieldChangeSmallest, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Smallest)
		b = protowire.AppendTag(b, fieldChangeLargest, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Largest)
		b = protowire.AppendTag(b, fieldChangeMaxVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, c.MaxVersion)
	}
	return b
}

func (c *Change) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldChangeOp, fieldChangeTableID, fieldChangeLevel, fieldChangeMaxVersion:
			if typ != protowire.VarintType {
				return fmt.Errorf("manifest change field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldChangeOp:
				c.Op = ChangeOp(v)
			case fieldChangeTableID:
				c.TableID = v
			case fieldChangeLevel:
				c.Level = int(v)
			case fieldChangeMaxVersion:
				c.MaxVersion = v
			}
		case fieldChangeSmallest, fieldChangeLargest:
			if typ != protowire.BytesType {
				return fmt.Errorf("manifest change field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldChangeSmallest {
				c.Smallest = append([]byte(nil), v...)
			} else {
				c.Largest = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if c.Op != OpAddTable && c.Op != OpRemoveTable {
		return fmt.Errorf("unknown manifest change op %d", uint64(c.Op))
	}
	return nil
}

// Marshal encodes the change set.
func (cs *ChangeSet) Marshal() []byte {
	var b, scratch []byte
	for i := range cs.Changes {
		scratch = cs.Changes[i].marshal(scratch[:0])
		b = protowire.AppendTag(b, fieldChangeSetChanges, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	if cs.Checkpoint {
		b = protowire.AppendTag(b, fieldChangeSetCheckpoint, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes a change set, skipping unknown fields.
func (cs *ChangeSet) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldChangeSetChanges && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			var c Change
			if err := c.unmarshal(v); err != nil {
				return err
			}
			cs.Changes = append(cs.Changes, c)
		case num == fieldChangeSetCheckpoint && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			cs.Checkpoint = protowire.DecodeBool(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
