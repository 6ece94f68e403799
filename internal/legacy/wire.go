// Package legacy bridges upstream POS printers: it parses their delimited
// wire format into receipt text and polls their endpoint with per-order
// fingerprint deduplication.
package legacy

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is one wire record. Field positions follow the printer protocol;
// SelectedRaw is carried for audit only, its semantics are not interpreted.
type Record struct {
	ItemName       string `json:"item_name"`
	PrintedAt      string `json:"printed_at"`
	Qty            int    `json:"qty"`
	TableCode      string `json:"table_code"`
	TableLabel     string `json:"table_label"`
	DisplayOrderNo string `json:"display_order_no"`
	OrderNo        string `json:"order_no"`
	SerialNo       string `json:"serial_no"`
	Seq            int    `json:"seq"`
	NoteRaw        string `json:"note_raw"`
	SelectedRaw    string `json:"selected_raw"`
	Position       int    `json:"position"`
}

// Order is one upstream order reassembled from its records.
type Order struct {
	OrderNo    string   `json:"order_no"`
	TableLabel string   `json:"table_label"`
	SerialNos  []string `json:"serial_nos"`
	Lines      []string `json:"lines"`
	SourceText string   `json:"source_text"`
	Records    []Record `json:"records"`
}

const (
	fieldItemName = 1
	fieldPrinted  = 2
	fieldQty      = 3
	fieldTable    = 4
	fieldDisplay  = 5
	fieldOrderNo  = 6
	fieldSerialNo = 7
	fieldSeq      = 9
	fieldNote     = 10
	fieldSelected = 11
)

func tableLabel(code string) string {
	switch code {
	case "0":
		return "takeout"
	case "-1":
		return "call"
	case "-2":
		return "delivery"
	case "-3":
		return "dine-in"
	case "":
		return ""
	default:
		return code + "th-table"
	}
}

func fieldAt(fields []string, index int) string {
	if index < len(fields) {
		return strings.TrimSpace(fields[index])
	}
	return ""
}

// ParseWirePayload decodes `header#count#record…#tail`. Records are grouped
// by order_no in first-seen order, sorted by seq then input position, and
// concatenated into `"<name> x<qty>[ 備註:<note>]"` lines with exact-line
// dedupe.
func ParseWirePayload(payload string) ([]Order, error) {
	parts := strings.Split(strings.TrimSpace(payload), "#")
	if len(parts) < 2 {
		return nil, errors.New("payload too short: want header#count#records")
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("invalid record count %q", parts[1])
	}
	raw := parts[2:]
	if count < len(raw) {
		raw = raw[:count]
	}

	var orderNos []string
	grouped := map[string][]Record{}
	for position, chunk := range raw {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		fields := strings.Split(chunk, "^")
		record := Record{
			ItemName:       fieldAt(fields, fieldItemName),
			PrintedAt:      fieldAt(fields, fieldPrinted),
			TableCode:      fieldAt(fields, fieldTable),
			DisplayOrderNo: fieldAt(fields, fieldDisplay),
			OrderNo:        fieldAt(fields, fieldOrderNo),
			SerialNo:       fieldAt(fields, fieldSerialNo),
			NoteRaw:        fieldAt(fields, fieldNote),
			SelectedRaw:    fieldAt(fields, fieldSelected),
			Position:       position,
		}
		record.TableLabel = tableLabel(record.TableCode)
		record.Qty = 1
		if qty, err := strconv.Atoi(fieldAt(fields, fieldQty)); err == nil && qty > 0 {
			record.Qty = qty
		}
		if seq, err := strconv.Atoi(fieldAt(fields, fieldSeq)); err == nil {
			record.Seq = seq
		}
		if record.ItemName == "" {
			continue
		}
		if _, ok := grouped[record.OrderNo]; !ok {
			orderNos = append(orderNos, record.OrderNo)
		}
		grouped[record.OrderNo] = append(grouped[record.OrderNo], record)
	}

	orders := make([]Order, 0, len(orderNos))
	for _, orderNo := range orderNos {
		records := grouped[orderNo]
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Seq != records[j].Seq {
				return records[i].Seq < records[j].Seq
			}
			return records[i].Position < records[j].Position
		})

		order := Order{OrderNo: orderNo, Records: records}
		seenLines := map[string]bool{}
		for _, record := range records {
			if order.TableLabel == "" {
				order.TableLabel = record.TableLabel
			}
			if record.SerialNo != "" {
				order.SerialNos = append(order.SerialNos, record.SerialNo)
			}
			line := fmt.Sprintf("%s x%d", record.ItemName, record.Qty)
			if record.NoteRaw != "" {
				line += " 備註:" + record.NoteRaw
			}
			if seenLines[line] {
				continue
			}
			seenLines[line] = true
			order.Lines = append(order.Lines, line)
		}
		order.SourceText = strings.Join(order.Lines, "\n")
		orders = append(orders, order)
	}
	return orders, nil
}

// Fingerprint identifies one upstream order snapshot for dedupe: same order
// number, serials, text, and line count hash identically.
func Fingerprint(order Order) string {
	h := sha1.New()
	fmt.Fprintf(h, "order_no=%s\n", order.OrderNo)
	fmt.Fprintf(h, "serial_nos=%s\n", strings.Join(order.SerialNos, ","))
	fmt.Fprintf(h, "source_text=%s\n", order.SourceText)
	fmt.Fprintf(h, "line_count=%d\n", len(order.Lines))
	return hex.EncodeToString(h.Sum(nil))
}
