package task

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
)

// The relay's wire format is a bare Avro binary datum: no object-container
// framing, and no schema embedded in the payload. Schemas are fixed and
// loaded once; the broker header selects which one decodes a message body.

//go:embed schemas/task.json
var taskSchema string

//go:embed schemas/task_assignment_update.json
var assignmentSchema string

//go:embed schemas/task_running_update.json
var runningSchema string

//go:embed schemas/task_completed_update.json
var completedSchema string

var (
	taskCodec       = mustCodec(taskSchema)
	assignmentCodec = mustCodec(assignmentSchema)
	runningCodec    = mustCodec(runningSchema)
	completedCodec  = mustCodec(completedSchema)
)

func mustCodec(schema string) *goavro.Codec {
	var codec, err = goavro.NewCodec(schema)
	if err != nil {
		panic(fmt.Sprintf("parsing built-in Avro schema: %v", err))
	}
	return codec
}

// runningUpdateType is carried redundantly with the broker's message_type
// header, and is kept for wire compatibility. Decoding rejects other values.
const runningUpdateType = "Running"

// EncodeTask encodes the Task as a bare Avro datum.
func EncodeTask(t Task) ([]byte, error) {
	var carrier interface{}
	if t.OtelCtxCarrier != nil {
		carrier = goavro.Union("map", stringMapToNative(t.OtelCtxCarrier))
	}

	var native = map[string]interface{}{
		"id":               t.ID.String(),
		"task_kind":        optString(t.TaskKind),
		"input_data":       optBytes(t.InputData),
		"output_data":      optBytes(t.OutputData),
		"is_error":         optInt(t.IsError),
		"status":           string(t.Status()),
		"priority":         optInt(t.Priority),
		"worker_kind":      optString(t.WorkerKind),
		"executed_by":      optString(t.ExecutedBy),
		"started_at":       optMicros(t.StartedAt),
		"completed_at":     optMicros(t.CompletedAt),
		"ttl_duration":     optLong(t.TTLDuration),
		"created_at":       t.CreatedAt.UnixMicro(),
		"updated_at":       t.UpdatedAt.UnixMicro(),
		"otel_ctx_carrier": carrier,
	}
	return taskCodec.BinaryFromNative(nil, native)
}

// DecodeTask decodes a bare Task Avro datum.
func DecodeTask(b []byte) (Task, error) {
	var rec, err = decodeRecord(taskCodec, b)
	if err != nil {
		return Task{}, err
	}
	var d = fieldDecoder{rec: rec}

	var t = Task{
		ID:          d.uuid("id"),
		TaskKind:    d.optString("task_kind"),
		InputData:   d.optBytes("input_data"),
		OutputData:  d.optBytes("output_data"),
		IsError:     d.optInt("is_error"),
		Priority:    d.optInt("priority"),
		WorkerKind:  d.optString("worker_kind"),
		ExecutedBy:  d.optString("executed_by"),
		StartedAt:   d.optMicros("started_at"),
		CompletedAt: d.optMicros("completed_at"),
		TTLDuration: d.optLong("ttl_duration"),
		CreatedAt:   d.micros("created_at"),
		UpdatedAt:   d.micros("updated_at"),
	}
	if m := d.optStringMap("otel_ctx_carrier"); m != nil {
		t.OtelCtxCarrier = m
	}
	return t, d.err
}

// EncodeAssignment encodes the Assignment as a bare Avro datum.
func EncodeAssignment(a Assignment) ([]byte, error) {
	var native = map[string]interface{}{
		"id":               a.ID.String(),
		"task_kind":        a.TaskKind,
		"worker_kind":      a.WorkerKind,
		"created_at":       a.CreatedAt.UnixMicro(),
		"input_data":       optBytes(a.InputData),
		"priority":         a.Priority,
		"ttl_duration":     a.TTLDuration,
		"otel_ctx_carrier": stringMapToNative(a.OtelCtxCarrier),
	}
	return assignmentCodec.BinaryFromNative(nil, native)
}

// DecodeAssignment decodes a bare TaskAssignmentUpdate Avro datum.
func DecodeAssignment(b []byte) (Assignment, error) {
	var rec, err = decodeRecord(assignmentCodec, b)
	if err != nil {
		return Assignment{}, err
	}
	var d = fieldDecoder{rec: rec}

	var a = Assignment{
		ID:             d.uuid("id"),
		TaskKind:       d.string("task_kind"),
		WorkerKind:     d.string("worker_kind"),
		CreatedAt:      d.micros("created_at"),
		InputData:      d.optBytes("input_data"),
		Priority:       d.int("priority"),
		TTLDuration:    d.long("ttl_duration"),
		OtelCtxCarrier: d.stringMap("otel_ctx_carrier"),
	}
	return a, d.err
}

// EncodeRunning encodes the Running event as a bare Avro datum.
func EncodeRunning(r Running) ([]byte, error) {
	var native = map[string]interface{}{
		"id":          r.ID.String(),
		"started_at":  r.StartedAt.UnixMicro(),
		"executed_by": r.ExecutedBy,
		"update_type": runningUpdateType,
	}
	return runningCodec.BinaryFromNative(nil, native)
}

// DecodeRunning decodes a bare TaskRunningUpdate Avro datum.
// Datums tagged with an update_type other than "Running" are rejected.
func DecodeRunning(b []byte) (Running, error) {
	var rec, err = decodeRecord(runningCodec, b)
	if err != nil {
		return Running{}, err
	}
	var d = fieldDecoder{rec: rec}

	var r = Running{
		ID:         d.uuid("id"),
		StartedAt:  d.micros("started_at"),
		ExecutedBy: d.string("executed_by"),
	}
	if tag := d.string("update_type"); d.err == nil && tag != runningUpdateType {
		return Running{}, fmt.Errorf("unexpected update_type %q", tag)
	}
	return r, d.err
}

// EncodeCompleted encodes the Completed event as a bare Avro datum.
func EncodeCompleted(c Completed) ([]byte, error) {
	var native = map[string]interface{}{
		"id":           c.ID.String(),
		"completed_at": c.CompletedAt.UnixMicro(),
		"output_data":  optBytes(c.OutputData),
		"is_error":     c.IsError,
	}
	return completedCodec.BinaryFromNative(nil, native)
}

// DecodeCompleted decodes a bare TaskCompletedUpdate Avro datum.
func DecodeCompleted(b []byte) (Completed, error) {
	var rec, err = decodeRecord(completedCodec, b)
	if err != nil {
		return Completed{}, err
	}
	var d = fieldDecoder{rec: rec}

	var c = Completed{
		ID:          d.uuid("id"),
		CompletedAt: d.micros("completed_at"),
		OutputData:  d.optBytes("output_data"),
		IsError:     d.int("is_error"),
	}
	return c, d.err
}

func decodeRecord(codec *goavro.Codec, b []byte) (map[string]interface{}, error) {
	var native, _, err = codec.NativeFromBinary(b)
	if err != nil {
		return nil, err
	}
	rec, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("avro datum is %T, not a record", native)
	}
	return rec, nil
}

// Native encoding helpers. goavro represents unions as nil or a single-entry
// map keyed by the branch's type name.

func optBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return goavro.Union("bytes", b)
}

func optString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return goavro.Union("string", *s)
}

func optInt(i *int32) interface{} {
	if i == nil {
		return nil
	}
	return goavro.Union("int", *i)
}

func optLong(l *int64) interface{} {
	if l == nil {
		return nil
	}
	return goavro.Union("long", *l)
}

func optMicros(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return goavro.Union("long", t.UnixMicro())
}

func stringMapToNative(m map[string]string) map[string]interface{} {
	var out = make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fieldDecoder pulls typed fields out of a decoded record, retaining the
// first error it hits so call sites can read straight through.
type fieldDecoder struct {
	rec map[string]interface{}
	err error
}

func (d *fieldDecoder) field(name string) interface{} {
	v, ok := d.rec[name]
	if !ok && d.err == nil {
		d.err = fmt.Errorf("record has no field %q", name)
	}
	return v
}

func (d *fieldDecoder) string(name string) string {
	s, ok := d.field(name).(string)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("field %q is not a string", name)
	}
	return s
}

func (d *fieldDecoder) uuid(name string) uuid.UUID {
	var id, err = uuid.Parse(d.string(name))
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %q: %w", name, err)
	}
	return id
}

func (d *fieldDecoder) int(name string) int32 {
	i, ok := d.field(name).(int32)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("field %q is not an int", name)
	}
	return i
}

func (d *fieldDecoder) long(name string) int64 {
	l, ok := d.field(name).(int64)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("field %q is not a long", name)
	}
	return l
}

func (d *fieldDecoder) micros(name string) time.Time {
	return time.UnixMicro(d.long(name)).UTC()
}

func (d *fieldDecoder) stringMap(name string) map[string]string {
	m, ok := d.field(name).(map[string]interface{})
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not a map", name)
		}
		return nil
	}
	var out = make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			if d.err == nil {
				d.err = fmt.Errorf("field %q has non-string value", name)
			}
			return nil
		}
		out[k] = s
	}
	return out
}

// union returns the non-null branch of an optional field, or nil.
func (d *fieldDecoder) union(name, branch string) interface{} {
	var v = d.field(name)
	if v == nil {
		return nil
	}
	u, ok := v.(map[string]interface{})
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not a union", name)
		}
		return nil
	}
	inner, ok := u[branch]
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q union has no %q branch", name, branch)
		}
		return nil
	}
	return inner
}

func (d *fieldDecoder) optBytes(name string) []byte {
	var v = d.union(name, "bytes")
	if v == nil {
		return nil
	}
	b, ok := v.([]byte)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("field %q is not bytes", name)
	}
	return b
}

func (d *fieldDecoder) optString(name string) *string {
	var v = d.union(name, "string")
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not a string", name)
		}
		return nil
	}
	return &s
}

func (d *fieldDecoder) optInt(name string) *int32 {
	var v = d.union(name, "int")
	if v == nil {
		return nil
	}
	i, ok := v.(int32)
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not an int", name)
		}
		return nil
	}
	return &i
}

func (d *fieldDecoder) optLong(name string) *int64 {
	var v = d.union(name, "long")
	if v == nil {
		return nil
	}
	l, ok := v.(int64)
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not a long", name)
		}
		return nil
	}
	return &l
}

func (d *fieldDecoder) optMicros(name string) *time.Time {
	var l = d.optLong(name)
	if l == nil {
		return nil
	}
	var t = time.UnixMicro(*l).UTC()
	return &t
}

func (d *fieldDecoder) optStringMap(name string) map[string]string {
	var v = d.union(name, "map")
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %q is not a map", name)
		}
		return nil
	}
	var out = make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			if d.err == nil {
				d.err = fmt.Errorf("field %q has non-string value", name)
			}
			return nil
		}
		out[k] = s
	}
	return out
}
