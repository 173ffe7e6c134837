package ecs

import (
	"encoding/binary"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/wI2L/jsondiff"

	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/internal/assert"
)

// ArchiveVersion is the format version stamped into every archive this package writes.
// Readers accept any archive whose major version matches.
const ArchiveVersion = "1.0"

// ComponentRecord describes one component type registered at save time. The name is the
// stable identity across processes; IDs are only meaningful within the archive. The
// schema lets a reader detect that a component's shape changed since the save.
type ComponentRecord struct {
	ID     ComponentID     `json:"id" msgpack:"id"`
	Name   string          `json:"name" msgpack:"name"`
	Schema json.RawMessage `json:"schema,omitempty" msgpack:"schema"`
}

// Metadata is the archive header: format version, creation time, entity count, the
// component catalog at save time, and a free-form extension map for callers.
type Metadata struct {
	Version     string            `json:"version" msgpack:"version"`
	CreatedAt   time.Time         `json:"created_at" msgpack:"created_at"`
	EntityCount int               `json:"entity_count" msgpack:"entity_count"`
	Components  []ComponentRecord `json:"components" msgpack:"components"`
	Extensions  map[string]string `json:"extensions,omitempty" msgpack:"extensions"`
}

// componentPayload is one serialized component value, encoded in the archive's format.
type componentPayload struct {
	ID   ComponentID     `json:"id" msgpack:"id"`
	Data json.RawMessage `json:"data" msgpack:"data"`
}

// entityRecord is one entity: its identity pair plus its component payloads.
type entityRecord struct {
	ID         uint32             `json:"id" msgpack:"id"`
	Generation uint32             `json:"generation" msgpack:"generation"`
	Components []componentPayload `json:"components" msgpack:"components"`
}

// archive is the whole-world document: a metadata header followed by entity records.
type archive struct {
	Metadata Metadata       `json:"metadata" msgpack:"metadata"`
	Entities []entityRecord `json:"entities" msgpack:"entities"`
}

// DetectFormat reports the format of an encoded archive. A JSON document opens with
// '{'; a msgpack map never does.
func DetectFormat(data []byte) codec.Format {
	if len(data) == 0 {
		return codec.FormatUndefined
	}
	if data[0] == '{' {
		return codec.FormatJSON
	}
	return codec.FormatBinary
}

// Serializer saves and restores world state as binary or JSON archives. Both formats
// carry the same logical content and convert into each other losslessly.
type Serializer struct {
	world      *World
	format     codec.Format // Format used for writing
	strict     bool         // Fail on unregistered components instead of skipping them
	extensions map[string]string
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithFormat sets the write format. The default is binary; reads always detect the
// format from the data.
func WithFormat(f codec.Format) SerializerOption {
	return func(s *Serializer) { s.format = f }
}

// WithStrictTypes makes restores fail when an archive references a component type the
// world has not registered. By default such components are silently skipped.
func WithStrictTypes() SerializerOption {
	return func(s *Serializer) { s.strict = true }
}

// WithExtensions attaches free-form key/value pairs to the metadata of every archive
// the serializer writes.
func WithExtensions(ext map[string]string) SerializerOption {
	return func(s *Serializer) { s.extensions = ext }
}

// NewSerializer creates a serializer bound to a world.
func NewSerializer(w *World, opts ...SerializerOption) *Serializer {
	s := &Serializer{
		world:  w,
		format: codec.FormatBinary,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -------------------------------------------------------------------------------------------------
// Saving
// -------------------------------------------------------------------------------------------------

// Serialize encodes every live entity and its components into a single archive.
func (s *Serializer) Serialize() ([]byte, error) {
	ws := s.world.state
	ws.rlock()
	defer ws.runlock()

	doc, err := s.buildArchiveLocked(nil)
	if err != nil {
		return nil, err
	}
	return s.encodeArchive(doc)
}

// SerializeEntities encodes only the given entities, using the same record format as a
// whole-world archive. Dead or stale handles fail with ErrInvalidHandle.
func (s *Serializer) SerializeEntities(entities []Entity) ([]byte, error) {
	ws := s.world.state
	ws.rlock()
	defer ws.runlock()

	doc, err := s.buildArchiveLocked(entities)
	if err != nil {
		return nil, err
	}
	return s.encodeArchive(doc)
}

// buildArchiveLocked assembles the archive document. A nil subset means every live
// entity, in archetype order.
func (s *Serializer) buildArchiveLocked(subset []Entity) (*archive, error) {
	ws := s.world.state

	var records []entityRecord
	if subset == nil {
		records = make([]entityRecord, 0, ws.entities.liveCount)
		for aid := range ws.archetypes {
			arch := &ws.archetypes[aid]
			for row, e := range arch.entities {
				rec, err := s.entityRecordLocked(arch, row, e)
				if err != nil {
					return nil, err
				}
				records = append(records, rec)
			}
		}
	} else {
		records = make([]entityRecord, 0, len(subset))
		for _, e := range subset {
			aid, ok := ws.archetypeOf(e)
			if !ok {
				return nil, eris.Wrapf(ErrInvalidHandle, "%s", e)
			}
			arch := &ws.archetypes[aid]
			row, ok := arch.row(e)
			assert.That(ok, "live entity %s has no row in its archetype", e)
			rec, err := s.entityRecordLocked(arch, row, e)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	return &archive{
		Metadata: s.metadataLocked(len(records)),
		Entities: records,
	}, nil
}

// metadataLocked builds the archive header from the current registry.
func (s *Serializer) metadataLocked(entityCount int) Metadata {
	infos := s.world.state.components.list()
	comps := make([]ComponentRecord, len(infos))
	for i, info := range infos {
		comps[i] = ComponentRecord{ID: info.ID, Name: info.Name, Schema: info.Schema}
	}
	return Metadata{
		Version:     ArchiveVersion,
		CreatedAt:   time.Now().UTC(),
		EntityCount: entityCount,
		Components:  comps,
		Extensions:  s.extensions,
	}
}

// entityRecordLocked encodes one entity's components in the serializer's write format.
// Columns sit in ascending component ID order, matching the mask's iteration order.
func (s *Serializer) entityRecordLocked(arch *archetype, row int, e Entity) (entityRecord, error) {
	cids := make([]ComponentID, 0, arch.compCount)
	arch.mask.Range(func(x uint32) {
		cids = append(cids, ComponentID(x))
	})

	payloads := make([]componentPayload, 0, arch.compCount)
	for i, col := range arch.columns {
		data, err := col.marshalRow(row, s.format)
		if err != nil {
			return entityRecord{}, eris.Wrapf(err, "failed to serialize %s", e)
		}
		payloads = append(payloads, componentPayload{ID: cids[i], Data: data})
	}
	return entityRecord{ID: e.ID(), Generation: e.Generation(), Components: payloads}, nil
}

// encodeArchive writes the document in the serializer's format.
func (s *Serializer) encodeArchive(doc *archive) ([]byte, error) {
	data, err := codec.Encode(doc, s.format)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode archive")
	}
	return data, nil
}

// -------------------------------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------------------------------

// PeekMetadata decodes only the metadata header of an archive.
func (s *Serializer) PeekMetadata(data []byte) (Metadata, error) {
	doc, err := s.decodeArchive(data)
	if err != nil {
		return Metadata{}, err
	}
	return doc.Metadata, nil
}

// Deserialize replaces the world's entities with the archive's contents. The new state
// is staged completely before being swapped in, so a failed load leaves the world
// untouched. Restored entities keep their ID and generation pairing. Loading does not
// emit change records: it is a state replacement, not a sequence of mutations.
func (s *Serializer) Deserialize(data []byte) error {
	doc, err := s.decodeArchive(data)
	if err != nil {
		return err
	}

	ws := s.world.state
	ws.rlock()
	resolve, err := s.resolveComponents(doc.Metadata)
	if err != nil {
		ws.runlock()
		return err
	}

	staged := &worldState{
		components: ws.components,
		entities:   newEntityManager(ws.entities.maxEntities),
		archetypes: make([]archetype, 0),
		archIndex:  make(map[string]archetypeID),
		entityArch: newSparseSet(),
	}
	format := DetectFormat(data)
	for i := range doc.Entities {
		if err := staged.insertRestored(&doc.Entities[i], resolve, format); err != nil {
			ws.runlock()
			return eris.Wrapf(err, "failed to restore entity %d", doc.Entities[i].ID)
		}
	}
	ws.runlock()

	ws.replaceFrom(staged)
	return nil
}

// DeserializeInto merges the archive's entities into the world without touching
// existing ones. Every record is decoded and validated before anything is applied, so
// a bad record fails the whole merge and leaves the world untouched. A record whose
// entity slot is already occupied fails with ErrInvalidHandle.
func (s *Serializer) DeserializeInto(data []byte) error {
	doc, err := s.decodeArchive(data)
	if err != nil {
		return err
	}

	ws := s.world.state
	ws.lock()
	defer ws.unlock()

	resolve, err := s.resolveComponents(doc.Metadata)
	if err != nil {
		return err
	}

	if ws.entities.liveCount+len(doc.Entities) > ws.entities.maxEntities {
		return eris.Wrapf(ErrEntityCapacityExceeded, "merging %d entities into %d live ones exceeds the limit of %d",
			len(doc.Entities), ws.entities.liveCount, ws.entities.maxEntities)
	}

	format := DetectFormat(data)
	seen := make(map[uint32]struct{}, len(doc.Entities))
	stagedRecords := make([]stagedEntity, 0, len(doc.Entities))
	for i := range doc.Entities {
		rec := &doc.Entities[i]
		if _, dup := seen[rec.ID]; dup {
			return eris.Errorf("archive holds two records for entity %d", rec.ID)
		}
		seen[rec.ID] = struct{}{}
		if err := ws.entities.canRestore(rec.ID, rec.Generation); err != nil {
			return eris.Wrapf(err, "cannot merge entity %d", rec.ID)
		}

		staged, err := ws.decodeRecord(rec, resolve, format)
		if err != nil {
			return eris.Wrapf(err, "failed to decode entity %d", rec.ID)
		}
		stagedRecords = append(stagedRecords, staged)
	}

	for i := range stagedRecords {
		if err := ws.applyRecord(&stagedRecords[i]); err != nil {
			return eris.Wrapf(err, "failed to restore entity %d", stagedRecords[i].id)
		}
	}
	return nil
}

// decodeArchive detects the format, decodes the document, and checks the version.
func (s *Serializer) decodeArchive(data []byte) (*archive, error) {
	format := DetectFormat(data)
	if !format.IsValid() {
		return nil, eris.Wrap(ErrFormatMismatch, "data is not an archive")
	}

	var doc archive
	if err := codec.Decode(data, &doc, format); err != nil {
		return nil, eris.Wrapf(ErrFormatMismatch, "failed to decode %s archive: %s", format, err)
	}
	if !strings.HasPrefix(doc.Metadata.Version, "1.") {
		return nil, eris.Wrapf(ErrFormatMismatch, "unsupported archive version %q", doc.Metadata.Version)
	}
	return &doc, nil
}

// resolveComponents maps archive component IDs to the world's current IDs by name,
// validating stored schemas against the registered ones. Unregistered names map to
// nothing and are skipped, unless strict types are enabled.
func (s *Serializer) resolveComponents(meta Metadata) (map[ComponentID]ComponentID, error) {
	ws := s.world.state

	resolve := make(map[ComponentID]ComponentID, len(meta.Components))
	for _, rec := range meta.Components {
		cid, err := ws.components.getID(rec.Name)
		if err != nil {
			if s.strict {
				return nil, eris.Wrapf(err, "archive references component %s", rec.Name)
			}
			continue
		}

		if len(rec.Schema) > 0 {
			info, err := ws.components.info(cid)
			assert.That(err == nil, "registered component %s has no info", rec.Name)
			if err := compareSchemas(rec.Schema, info.Schema, rec.Name); err != nil {
				return nil, err
			}
		}
		resolve[rec.ID] = cid
	}
	return resolve, nil
}

// compareSchemas fails with ErrFormatMismatch when a component's stored schema differs
// from the registered one.
func compareSchemas(stored, current []byte, name string) error {
	patch, err := jsondiff.CompareJSON(stored, current)
	if err != nil {
		return eris.Wrapf(err, "failed to compare schemas for component %s", name)
	}
	if patch.String() != "" {
		return eris.Wrapf(ErrFormatMismatch, "component %s changed shape since the archive was written: %s", name, patch.String())
	}
	return nil
}

// decodedComponent is a restored component value ready to attach.
type decodedComponent struct {
	cid   ComponentID
	value Component
}

// stagedEntity is one entity record decoded and validated, but not yet applied.
type stagedEntity struct {
	id, gen uint32
	mask    componentMask
	comps   []decodedComponent
}

// decodeRecord resolves and decodes a record's payloads without touching any state.
// Payloads whose component the resolve map does not know are skipped.
func (ws *worldState) decodeRecord(rec *entityRecord, resolve map[ComponentID]ComponentID, format codec.Format) (stagedEntity, error) {
	staged := stagedEntity{
		id:    rec.ID,
		gen:   rec.Generation,
		comps: make([]decodedComponent, 0, len(rec.Components)),
	}

	for _, payload := range rec.Components {
		cid, ok := resolve[payload.ID]
		if !ok {
			continue
		}
		if staged.mask.Contains(uint32(cid)) {
			return stagedEntity{}, eris.Wrapf(ErrDuplicateComponent, "component id %d appears twice", payload.ID)
		}

		// Decode through a fresh column so the value gets its registered Go type.
		col := ws.components.factories[cid]()
		value, err := col.decodeValue(payload.Data, format)
		if err != nil {
			return stagedEntity{}, err
		}
		staged.mask.Set(uint32(cid))
		staged.comps = append(staged.comps, decodedComponent{cid: cid, value: value})
	}
	return staged, nil
}

// applyRecord claims the staged record's identity pair and attaches its components.
func (ws *worldState) applyRecord(staged *stagedEntity) error {
	e, err := ws.entities.restore(staged.id, staged.gen)
	if err != nil {
		return err
	}

	aid := ws.findOrCreateArchetype(staged.mask)
	arch := &ws.archetypes[aid]
	row := arch.newEntity(e)
	for _, d := range staged.comps {
		col, ok := arch.column(d.cid)
		assert.That(ok, "restored archetype is missing a column for component %d", d.cid)
		col.setAbstract(row, d.value)
	}
	ws.entityArch.set(e.ID(), aid)
	ws.invalidateCachesFor(aid)
	return nil
}

// insertRestored decodes and applies one record. Used where atomicity spans only a
// single record: the staging build and the stream reader.
func (ws *worldState) insertRestored(rec *entityRecord, resolve map[ComponentID]ComponentID, format codec.Format) error {
	staged, err := ws.decodeRecord(rec, resolve, format)
	if err != nil {
		return err
	}
	return ws.applyRecord(&staged)
}

// -------------------------------------------------------------------------------------------------
// Conversion
// -------------------------------------------------------------------------------------------------

// Convert transcodes an archive into the target format without touching the world.
// Component payloads are decoded through their registered Go types, so the conversion
// is exact in both directions.
func (s *Serializer) Convert(data []byte, to codec.Format) ([]byte, error) {
	if !to.IsValid() {
		return nil, eris.Wrapf(ErrFormatMismatch, "invalid target format %s", to)
	}

	from := DetectFormat(data)
	doc, err := s.decodeArchive(data)
	if err != nil {
		return nil, err
	}
	if from == to {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	ws := s.world.state
	ws.rlock()
	resolve, err := s.resolveComponents(doc.Metadata)
	if err != nil {
		ws.runlock()
		return nil, err
	}

	for i := range doc.Entities {
		rec := &doc.Entities[i]
		kept := rec.Components[:0]
		for _, payload := range rec.Components {
			cid, ok := resolve[payload.ID]
			if !ok {
				continue
			}
			col := ws.components.factories[cid]()
			value, err := col.decodeValue(payload.Data, from)
			if err != nil {
				ws.runlock()
				return nil, eris.Wrapf(err, "failed to convert entity %d", rec.ID)
			}
			data, err := codec.Encode(value, to)
			if err != nil {
				ws.runlock()
				return nil, eris.Wrapf(err, "failed to convert entity %d", rec.ID)
			}
			kept = append(kept, componentPayload{ID: payload.ID, Data: data})
		}
		rec.Components = kept
	}
	ws.runlock()

	out, err := codec.Encode(doc, to)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode converted archive")
	}
	return out, nil
}

// -------------------------------------------------------------------------------------------------
// Streaming
// -------------------------------------------------------------------------------------------------

// StreamWriter writes an archive incrementally, one entity record at a time, without
// materializing the whole document. Binary streams are length-prefixed msgpack frames;
// JSON streams are newline-delimited documents. The header goes out before the first
// record, so streamed archives carry no entity count; readers tally records instead.
type StreamWriter struct {
	s           *Serializer
	w           io.Writer
	wroteHeader bool
	count       int
}

// NewStreamWriter starts a streaming save in the serializer's write format.
func (s *Serializer) NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{s: s, w: w}
}

// WriteEntity serializes one live entity and appends its record to the stream.
func (sw *StreamWriter) WriteEntity(e Entity) error {
	ws := sw.s.world.state
	ws.rlock()

	if !sw.wroteHeader {
		meta := sw.s.metadataLocked(0)
		if err := sw.writeFrame(&meta); err != nil {
			ws.runlock()
			return err
		}
		sw.wroteHeader = true
	}

	aid, ok := ws.archetypeOf(e)
	if !ok {
		ws.runlock()
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}
	arch := &ws.archetypes[aid]
	row, _ := arch.row(e)
	rec, err := sw.s.entityRecordLocked(arch, row, e)
	ws.runlock()
	if err != nil {
		return err
	}

	if err := sw.writeFrame(&rec); err != nil {
		return err
	}
	sw.count++
	return nil
}

// Count returns the number of entity records written so far.
func (sw *StreamWriter) Count() int {
	return sw.count
}

// Flush writes the archive header if no record has forced it out yet, so that even an
// empty stream is a readable archive. Call it once after the last WriteEntity.
func (sw *StreamWriter) Flush() error {
	if sw.wroteHeader {
		return nil
	}

	ws := sw.s.world.state
	ws.rlock()
	meta := sw.s.metadataLocked(0)
	ws.runlock()

	if err := sw.writeFrame(&meta); err != nil {
		return err
	}
	sw.wroteHeader = true
	return nil
}

// writeFrame appends one document to the stream in the serializer's format.
func (sw *StreamWriter) writeFrame(v any) error {
	data, err := codec.Encode(v, sw.s.format)
	if err != nil {
		return eris.Wrap(err, "failed to encode stream frame")
	}

	switch sw.s.format {
	case codec.FormatBinary:
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
		if _, err := sw.w.Write(prefix[:]); err != nil {
			return eris.Wrap(err, "failed to write frame length")
		}
		if _, err := sw.w.Write(data); err != nil {
			return eris.Wrap(err, "failed to write frame")
		}
	case codec.FormatJSON:
		if _, err := sw.w.Write(append(data, '\n')); err != nil {
			return eris.Wrap(err, "failed to write frame")
		}
	default:
		return eris.Wrapf(ErrFormatMismatch, "invalid stream format %s", sw.s.format)
	}
	return nil
}

// StreamReader restores entities from a streamed archive record by record. Unlike
// Deserialize, restoration is incremental: records already applied stay applied if a
// later one fails. That is the trade for never holding the whole archive in memory.
type StreamReader struct {
	s       *Serializer
	r       io.Reader
	format  codec.Format
	jsonDec *json.Decoder // Held across reads: the decoder buffers ahead
	meta    *Metadata
	resolve map[ComponentID]ComponentID
	count   int
}

// NewStreamReader starts restoring a streamed archive written in the given format.
func (s *Serializer) NewStreamReader(r io.Reader, format codec.Format) (*StreamReader, error) {
	if !format.IsValid() {
		return nil, eris.Wrapf(ErrFormatMismatch, "invalid stream format %s", format)
	}
	sr := &StreamReader{s: s, r: r, format: format}
	if format == codec.FormatJSON {
		sr.jsonDec = json.NewDecoder(r)
	}
	return sr, nil
}

// Next reads and applies one entity record. It returns io.EOF when the stream ends.
func (sr *StreamReader) Next() error {
	if sr.meta == nil {
		var meta Metadata
		if err := sr.readFrame(&meta); err != nil {
			return err
		}
		if !strings.HasPrefix(meta.Version, "1.") {
			return eris.Wrapf(ErrFormatMismatch, "unsupported archive version %q", meta.Version)
		}

		ws := sr.s.world.state
		ws.rlock()
		resolve, err := sr.s.resolveComponents(meta)
		ws.runlock()
		if err != nil {
			return err
		}
		sr.meta = &meta
		sr.resolve = resolve
	}

	var rec entityRecord
	if err := sr.readFrame(&rec); err != nil {
		return err
	}

	ws := sr.s.world.state
	ws.lock()
	defer ws.unlock()
	if err := ws.insertRestored(&rec, sr.resolve, sr.format); err != nil {
		return eris.Wrapf(err, "failed to restore entity %d", rec.ID)
	}
	sr.count++
	return nil
}

// Restore applies every remaining record and returns the number restored.
func (sr *StreamReader) Restore() (int, error) {
	for {
		err := sr.Next()
		if eris.Is(err, io.EOF) {
			return sr.count, nil
		}
		if err != nil {
			return sr.count, err
		}
	}
}

// Metadata returns the stream's header once a record has been read.
func (sr *StreamReader) Metadata() (Metadata, bool) {
	if sr.meta == nil {
		return Metadata{}, false
	}
	return *sr.meta, true
}

// readFrame decodes the next document from the stream.
func (sr *StreamReader) readFrame(v any) error {
	switch sr.format {
	case codec.FormatBinary:
		var prefix [4]byte
		if _, err := io.ReadFull(sr.r, prefix[:]); err != nil {
			if eris.Is(err, io.EOF) {
				return io.EOF
			}
			return eris.Wrap(err, "failed to read frame length")
		}
		size := binary.BigEndian.Uint32(prefix[:])
		frame := make([]byte, size)
		if _, err := io.ReadFull(sr.r, frame); err != nil {
			return eris.Wrap(err, "failed to read frame")
		}
		return codec.Decode(frame, v, codec.FormatBinary)
	case codec.FormatJSON:
		if err := sr.jsonDec.Decode(v); err != nil {
			if eris.Is(err, io.EOF) {
				return io.EOF
			}
			return eris.Wrap(err, "failed to decode frame")
		}
		return nil
	default:
		return eris.Wrapf(ErrFormatMismatch, "invalid stream format %s", sr.format)
	}
}
