package checkpoint

import (
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record wire layout (protobuf encoding, no generated code):
//
//	message Record   { int64 step = 1; repeated Artifact artifacts = 2; }
//	message Artifact { string name = 1; bytes blob = 2; fixed32 crc32 = 3; }
const (
	fieldStep     protowire.Number = 1
	fieldArtifact protowire.Number = 2

	fieldArtifactName  protowire.Number = 1
	fieldArtifactBlob  protowire.Number = 2
	fieldArtifactCRC32 protowire.Number = 3
)

var errMalformedRecord = errors.New("malformed checkpoint record")

// NamedBlob is one serialised artifact inside a record.
type NamedBlob struct {
	Name string
	Blob []byte
}

// Record is a decoded checkpoint: a step and its artifacts in save order.
type Record struct {
	Step      int64
	Artifacts []NamedBlob
}

// Blob returns the artifact saved under name.
func (r *Record) Blob(name string) ([]byte, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a.Blob, true
		}
	}
	return nil, false
}

func encodeRecord(r *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Step))
	for _, a := range r.Artifacts {
		var m []byte
		m = protowire.AppendTag(m, fieldArtifactName, protowire.BytesType)
		m = protowire.AppendString(m, a.Name)
		m = protowire.AppendTag(m, fieldArtifactBlob, protowire.BytesType)
		m = protowire.AppendBytes(m, a.Blob)
		m = protowire.AppendTag(m, fieldArtifactCRC32, protowire.Fixed32Type)
		m = protowire.AppendFixed32(m, crc32.ChecksumIEEE(a.Blob))

		b = protowire.AppendTag(b, fieldArtifact, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeRecord(b []byte) (*Record, error) {
	rec := &Record{}
	sawStep := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: step: %v", errMalformedRecord, protowire.ParseError(n))
			}
			rec.Step = int64(v)
			sawStep = true
			b = b[n:]
		case num == fieldArtifact && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: artifact: %v", errMalformedRecord, protowire.ParseError(n))
			}
			a, err := decodeArtifact(m)
			if err != nil {
				return nil, err
			}
			rec.Artifacts = append(rec.Artifacts, a)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawStep {
		return nil, fmt.Errorf("%w: missing step", errMalformedRecord)
	}
	return rec, nil
}

func decodeArtifact(b []byte) (NamedBlob, error) {
	var a NamedBlob
	var sum uint32
	sawSum := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return a, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldArtifactName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return a, fmt.Errorf("%w: name: %v", errMalformedRecord, protowire.ParseError(n))
			}
			a.Name = s
			b = b[n:]
		case num == fieldArtifactBlob && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return a, fmt.Errorf("%w: blob: %v", errMalformedRecord, protowire.ParseError(n))
			}
			a.Blob = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldArtifactCRC32 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return a, fmt.Errorf("%w: crc: %v", errMalformedRecord, protowire.ParseError(n))
			}
			sum = v
			sawSum = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return a, fmt.Errorf("%w: field %d: %v", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if a.Name == "" {
		return a, fmt.Errorf("%w: artifact without name", errMalformedRecord)
	}
	if !sawSum || crc32.ChecksumIEEE(a.Blob) != sum {
		return a, fmt.Errorf("%w: checksum mismatch for %q", errMalformedRecord, a.Name)
	}
	return a, nil
}
