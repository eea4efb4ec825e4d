package api

import (
	"github.com/pathmesh/pathmesh/wire"
)

// Data protocol between subscribers and publishers. After subscribing,
// a path is referred to by the small SubId the publisher assigned, so
// updates do not repeat path strings. Same tag + length + body shape as
// the resolver protocol.

type DataKind uint8

const (
	// subscriber to publisher
	DataSubscribe DataKind = iota
	DataUnsubscribe
	DataWrite
	// publisher to subscriber
	DataSubscribed
	DataNoSuchValue
	DataDenied
	DataUnsubscribed
	DataUpdate
	DataWriteResult
	DataOther
)

func (k DataKind) String() string {
	switch k {
	case DataSubscribe:
		return "subscribe"
	case DataUnsubscribe:
		return "unsubscribe"
	case DataWrite:
		return "write"
	case DataSubscribed:
		return "subscribed"
	case DataNoSuchValue:
		return "no_such_value"
	case DataDenied:
		return "denied"
	case DataUnsubscribed:
		return "unsubscribed"
	case DataUpdate:
		return "update"
	case DataWriteResult:
		return "write_result"
	default:
		return "other"
	}
}

// DataMsg is one message of the data protocol. Field use by kind:
//
//	Subscribe:    Path
//	Unsubscribe:  SubId
//	Write:        SubId, ReqId (zero means no ack wanted), Value
//	Subscribed:   Path, SubId, Value (current value)
//	NoSuchValue:  Path
//	Denied:       SubId, ReqId (write refused)
//	Unsubscribed: SubId
//	Update:       SubId, Value
//	WriteResult:  ReqId, Value (Ok or Error)
type DataMsg struct {
	Kind  DataKind
	Path  string
	SubId uint64
	ReqId uint64
	Value wire.Value
}

func (m *DataMsg) bodyLen() int {
	switch m.Kind {
	case DataSubscribe, DataNoSuchValue:
		return wire.StringLen(m.Path)
	case DataUnsubscribe, DataUnsubscribed:
		return wire.VarintLen(m.SubId)
	case DataDenied:
		return wire.VarintLen(m.SubId) + wire.VarintLen(m.ReqId)
	case DataWrite:
		return wire.VarintLen(m.SubId) + wire.VarintLen(m.ReqId) + m.Value.EncodedLen()
	case DataSubscribed:
		return wire.StringLen(m.Path) + wire.VarintLen(m.SubId) + m.Value.EncodedLen()
	case DataUpdate:
		return wire.VarintLen(m.SubId) + m.Value.EncodedLen()
	case DataWriteResult:
		return wire.VarintLen(m.ReqId) + m.Value.EncodedLen()
	default:
		return 0
	}
}

func (m *DataMsg) EncodedLen() int {
	body := m.bodyLen()
	return 1 + wire.VarintLen(uint64(body)) + body
}

func (m *DataMsg) Encode(e *wire.Encoder) {
	e.PutU8(byte(m.Kind))
	e.PutVarint(uint64(m.bodyLen()))
	switch m.Kind {
	case DataSubscribe, DataNoSuchValue:
		e.PutString(m.Path)
	case DataUnsubscribe, DataUnsubscribed:
		e.PutVarint(m.SubId)
	case DataDenied:
		e.PutVarint(m.SubId)
		e.PutVarint(m.ReqId)
	case DataWrite:
		e.PutVarint(m.SubId)
		e.PutVarint(m.ReqId)
		m.Value.Encode(e)
	case DataSubscribed:
		e.PutString(m.Path)
		e.PutVarint(m.SubId)
		m.Value.Encode(e)
	case DataUpdate:
		e.PutVarint(m.SubId)
		m.Value.Encode(e)
	case DataWriteResult:
		e.PutVarint(m.ReqId)
		m.Value.Encode(e)
	}
}

func (m *DataMsg) Decode(d *wire.Decoder) error {
	tag, err := d.U8()
	if err != nil {
		return err
	}
	kind := DataKind(tag)
	if kind >= DataOther {
		m.Kind = DataOther
		return d.Skip()
	}
	if _, err := d.Varint(); err != nil {
		return err
	}
	*m = DataMsg{Kind: kind}
	switch kind {
	case DataSubscribe, DataNoSuchValue:
		m.Path, err = d.String()
		return err
	case DataUnsubscribe, DataUnsubscribed:
		m.SubId, err = d.Varint()
		return err
	case DataDenied:
		if m.SubId, err = d.Varint(); err != nil {
			return err
		}
		m.ReqId, err = d.Varint()
		return err
	case DataWrite:
		if m.SubId, err = d.Varint(); err != nil {
			return err
		}
		if m.ReqId, err = d.Varint(); err != nil {
			return err
		}
		m.Value, err = wire.DecodeValue(d)
		return err
	case DataSubscribed:
		if m.Path, err = d.String(); err != nil {
			return err
		}
		if m.SubId, err = d.Varint(); err != nil {
			return err
		}
		m.Value, err = wire.DecodeValue(d)
		return err
	case DataUpdate:
		if m.SubId, err = d.Varint(); err != nil {
			return err
		}
		m.Value, err = wire.DecodeValue(d)
		return err
	case DataWriteResult:
		if m.ReqId, err = d.Varint(); err != nil {
			return err
		}
		m.Value, err = wire.DecodeValue(d)
		return err
	}
	return nil
}
