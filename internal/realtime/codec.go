package realtime

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/tableside/internal/domain/order"
)

// EncodeEvent writes the wire form of e:
//
//	{"type","orderId","tenantId","tableId","status","revision","totalAmount","items","occurredAt"}
func EncodeEvent(e order.Event) []byte {
	var w jx.Encoder
	w.ObjStart()
	w.FieldStart("type")
	w.Str(string(e.Type))
	w.FieldStart("orderId")
	w.Str(e.OrderID)
	w.FieldStart("tenantId")
	w.Str(e.TenantID)
	w.FieldStart("tableId")
	w.Str(e.TableID)
	w.FieldStart("status")
	w.Str(string(e.Status))
	w.FieldStart("revision")
	w.Int64(e.Revision)
	w.FieldStart("totalAmount")
	w.Str(e.TotalAmount.StringFixed(2))
	w.FieldStart("items")
	w.ArrStart()
	for _, l := range e.Lines {
		encodeLine(&w, l)
	}
	w.ArrEnd()
	w.FieldStart("occurredAt")
	w.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	w.ObjEnd()
	return w.Bytes()
}

func encodeLine(w *jx.Encoder, l order.Line) {
	w.ObjStart()
	w.FieldStart("menuItemId")
	w.Str(l.MenuItemID)
	w.FieldStart("name")
	w.Str(l.Name)
	w.FieldStart("unitPrice")
	w.Str(l.UnitPrice.StringFixed(2))
	w.FieldStart("quantity")
	w.Int(l.Quantity)
	w.FieldStart("lineTotal")
	w.Str(l.LineTotal.StringFixed(2))
	if len(l.Options) > 0 {
		w.FieldStart("options")
		w.ArrStart()
		for _, o := range l.Options {
			w.ObjStart()
			w.FieldStart("group")
			w.Str(o.Group)
			w.FieldStart("name")
			w.Str(o.Name)
			w.FieldStart("priceDelta")
			w.Str(o.PriceDelta.StringFixed(2))
			w.ObjEnd()
		}
		w.ArrEnd()
	}
	w.ObjEnd()
}

// DecodeEvent parses the wire form produced by EncodeEvent. Unknown fields
// are skipped.
func DecodeEvent(data []byte) (order.Event, error) {
	var e order.Event
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "type":
			v, err := d.Str()
			e.Type = order.EventType(v)
			return err
		case "orderId":
			v, err := d.Str()
			e.OrderID = v
			return err
		case "tenantId":
			v, err := d.Str()
			e.TenantID = v
			return err
		case "tableId":
			v, err := d.Str()
			e.TableID = v
			return err
		case "status":
			v, err := d.Str()
			e.Status = order.Status(v)
			return err
		case "revision":
			v, err := d.Int64()
			e.Revision = v
			return err
		case "totalAmount":
			v, err := decodeDecimal(d)
			e.TotalAmount = v
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				if err != nil {
					return err
				}
				e.Lines = append(e.Lines, l)
				return nil
			})
		case "occurredAt":
			v, err := d.Str()
			if err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return errors.Wrap(err, "occurredAt")
			}
			e.OccurredAt = t
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.Event{}, errors.Wrap(err, "decode event")
	}
	if e.OrderID == "" || e.TenantID == "" {
		return order.Event{}, errors.New("decode event: missing order or tenant id")
	}
	return e, nil
}

func decodeLine(d *jx.Decoder) (order.Line, error) {
	var l order.Line
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "menuItemId":
			l.MenuItemID, err = d.Str()
		case "name":
			l.Name, err = d.Str()
		case "unitPrice":
			l.UnitPrice, err = decodeDecimal(d)
		case "quantity":
			l.Quantity, err = d.Int()
		case "lineTotal":
			l.LineTotal, err = decodeDecimal(d)
		case "options":
			err = d.Arr(func(d *jx.Decoder) error {
				var o order.LineOption
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "group":
						o.Group, err = d.Str()
					case "name":
						o.Name, err = d.Str()
					case "priceDelta":
						o.PriceDelta, err = decodeDecimal(d)
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				l.Options = append(l.Options, o)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	return l, err
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for decimal", d.Next())
	}
}
