package ingest

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule renames a cleaned source header to a table column.
type Rule struct {
	From string
	To   string
}

// Mapping is an ordered list of rules. Its order is the column order of the
// created table.
type Mapping []Rule

// RetailMapping is used when no mapping file is given.
var RetailMapping = Mapping{
	{"item_no", "item_no"},
	{"Image", "image_url"},
	{"Date", "date"},
	{"Company", "company"},
	{"Group", "group_name"},
	{"Customer", "customer_name"},
	{"Jgroup", "jewelry_group"},
	{"Retail Range", "retail_range"},
	{"Range", "range_type"},
	{"MainCategory", "main_category"},
	{"subcat1", "subcategory"},
	{"collections", "collection"},
	{"division", "division"},
	{"Diamond CTW Fraction", "diamond_ctw_fraction"},
	{"custom_sd_ctrshap", "custom_sd_ctrshap"},
	{"sdc_mis_item_status", "sdc_mis_item_status"},
	{"New Tag", "new_tag"},
	{"Diamond CTW Range", "diamond_ctw_range"},
	{"custom_sd_ctrdesc", "custom_sd_ctrdesc"},
	{"Secondary Sales QTY", "secondary_sales_qty"},
	{"Secondary Sales Total Cost", "secondary_sales_total_cost"},
	{"Secondary Sales Value", "secondary_sales_value"},
	{"Inventory Qty Final", "inventory_qty_final"},
	{"Inventory Cost Final", "inventory_cost_final"},
	{"Open Memo Qty", "open_memo_qty"},
	{"Open Memo Amount", "open_memo_amount"},
	{"Open Order Qty Asset", "open_order_qty_asset"},
	{"Open Order Amount Asset", "open_order_amount_asset"},
	{"Open Order Qty Memo", "open_order_qty_memo"},
	{"Open Order Amount Memo", "open_order_amount_memo"},
}

var headerJunkRe = regexp.MustCompile(`[^0-9a-zA-Z_ ]`)

// CleanHeader trims a header, turns newlines into spaces and drops every
// character other than letters, digits, underscore and space.
func CleanHeader(h string) string {
	h = strings.TrimSpace(h)
	h = strings.ReplaceAll(h, "\n", " ")
	return headerJunkRe.ReplaceAllString(h, "")
}

// Resolve matches cleaned headers against the mapping, case-insensitively.
// It returns the mapped columns in mapping order and, for each, the index
// of the source header it reads from. Unmapped headers are dropped; when
// several headers map to one column the first wins.
func (m Mapping) Resolve(headers []string) (columns []string, index []int) {
	source := make(map[string]int, len(m))
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(CleanHeader(h)))
		for _, r := range m {
			if strings.ToLower(r.From) != h {
				continue
			}
			if _, ok := source[r.To]; !ok {
				source[r.To] = i
			}
			break
		}
	}

	seen := make(map[string]bool, len(m))
	for _, r := range m {
		i, ok := source[r.To]
		if !ok || seen[r.To] {
			continue
		}
		seen[r.To] = true
		columns = append(columns, r.To)
		index = append(index, i)
	}
	return columns, index
}

// LoadMapping reads a YAML mapping of source header to column name. Key
// order is kept.
//
//	Image: image_url
//	Group: group_name
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s: empty mapping", path)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: line %d: expected a mapping of header to column", path, root.Line)
	}

	var m Mapping
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode || v.Value == "" {
			return nil, fmt.Errorf("%s: line %d: header and column must be plain strings", path, k.Line)
		}
		m = append(m, Rule{From: k.Value, To: v.Value})
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%s: empty mapping", path)
	}
	return m, nil
}
