package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/teslamotors/keyexchange/internal/authentication"
)

// PeerRecord describes a trusted peer. Records are stored as protobuf messages:
//
//	message PeerRecord {
//	  bytes  public_key  = 1;
//	  string name        = 2;
//	  int64  first_seen  = 3; // Unix seconds
//	  int64  last_seen   = 4; // Unix seconds
//	  bytes  last_nonce  = 5;
//	  uint64 handshakes  = 6;
//	}
type PeerRecord struct {
	PublicKey  PublicKey
	Name       string
	FirstSeen  time.Time
	LastSeen   time.Time
	LastNonce  authentication.Nonce
	Handshakes uint64
}

// peerRecordType is built from the schema above at init time, so records go through the regular
// protobuf runtime without generated code.
var peerRecordType = mustPeerRecordType()

func mustPeerRecordType() protoreflect.MessageType {
	field := func(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   kind.Enum(),
		}
	}
	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("keyexchange/peer_record.proto"),
		Package: proto.String("keyexchange"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("PeerRecord"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("public_key", 1, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
				field("name", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				field("first_seen", 3, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				field("last_seen", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				field("last_nonce", 5, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
				field("handshakes", 6, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			},
		}},
	}
	fd, err := protodesc.NewFile(file, nil)
	if err != nil {
		panic(err)
	}
	return dynamicpb.NewMessageType(fd.Messages().ByName("PeerRecord"))
}

var ErrBadRecord = errors.New("invalid peer record")

// NewPeerRecord creates a record for a peer seen for the first time at now.
func NewPeerRecord(name string, publicKey PublicKey, nonce authentication.Nonce, now time.Time) *PeerRecord {
	return &PeerRecord{
		PublicKey:  publicKey,
		Name:       name,
		FirstSeen:  now,
		LastSeen:   now,
		LastNonce:  nonce,
		Handshakes: 1,
	}
}

// Observe records a successful handshake. Returns ErrPeerKeyChanged if the peer used a different
// public key.
func (r *PeerRecord) Observe(publicKey PublicKey, nonce authentication.Nonce, now time.Time) error {
	if publicKey != r.PublicKey {
		return fmt.Errorf("%w: %s trusted %s, presented %s", ErrPeerKeyChanged, r.Name, r.PublicKey, publicKey)
	}
	r.LastSeen = now
	r.LastNonce = nonce
	r.Handshakes++
	return nil
}

func unixTime(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0)
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Marshal encodes r in protobuf wire format.
func (r *PeerRecord) Marshal() ([]byte, error) {
	message := peerRecordType.New()
	fields := message.Descriptor().Fields()
	set := func(name protoreflect.Name, v protoreflect.Value) {
		message.Set(fields.ByName(name), v)
	}
	set("public_key", protoreflect.ValueOfBytes(r.PublicKey[:]))
	set("name", protoreflect.ValueOfString(r.Name))
	set("first_seen", protoreflect.ValueOfInt64(unixSeconds(r.FirstSeen)))
	set("last_seen", protoreflect.ValueOfInt64(unixSeconds(r.LastSeen)))
	set("last_nonce", protoreflect.ValueOfBytes(r.LastNonce[:]))
	set("handshakes", protoreflect.ValueOfUint64(r.Handshakes))
	return proto.MarshalOptions{Deterministic: true}.Marshal(message.Interface())
}

// UnmarshalPeerRecord decodes a record produced by Marshal. Unknown fields are skipped.
func UnmarshalPeerRecord(b []byte) (*PeerRecord, error) {
	message := peerRecordType.New()
	if err := (proto.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, message.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadRecord, err)
	}
	fields := message.Descriptor().Fields()
	get := func(name protoreflect.Name) protoreflect.Value {
		return message.Get(fields.ByName(name))
	}

	var r PeerRecord
	publicKey := get("public_key").Bytes()
	if len(publicKey) == 0 {
		return nil, fmt.Errorf("%w: missing public key", ErrBadRecord)
	}
	if len(publicKey) != len(r.PublicKey) {
		return nil, fmt.Errorf("%w: bad public key", ErrBadRecord)
	}
	copy(r.PublicKey[:], publicKey)
	if nonce := get("last_nonce").Bytes(); len(nonce) != 0 {
		if len(nonce) != len(r.LastNonce) {
			return nil, fmt.Errorf("%w: bad nonce", ErrBadRecord)
		}
		copy(r.LastNonce[:], nonce)
	}
	r.Name = get("name").String()
	r.FirstSeen = unixTime(get("first_seen").Int())
	r.LastSeen = unixTime(get("last_seen").Int())
	r.Handshakes = get("handshakes").Uint()
	return &r, nil
}
