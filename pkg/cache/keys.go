package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// MaxKeyLength is the longest key stored verbatim. Longer keys keep their namespace and
// replace the rest with a sha256 digest.
const MaxKeyLength = 200

// Unordered marks a parameter whose element order carries no meaning.
type Unordered []string

// Key builds the canonical key for namespace and params. Parameter names are sorted,
// values are trimmed, and Unordered values are sorted, so equivalent requests always
// produce the same key. Case is preserved; callers lower-case values that are
// case-insensitive before building the key.
func Key(namespace string, params map[string]interface{}) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte(':')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(normalize(params[name])))
	}
	return bounded(namespace, b.String())
}

func normalize(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case Unordered:
		items := make([]string, len(t))
		for i, s := range t {
			items[i] = strings.TrimSpace(s)
		}
		sort.Strings(items)
		return strings.Join(items, ",")
	case []string:
		items := make([]string, len(t))
		for i, s := range t {
			items[i] = strings.TrimSpace(s)
		}
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(t)
	}
}

func bounded(namespace, key string) string {
	if len(key) <= MaxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return namespace + ":#" + hex.EncodeToString(sum[:])
}

func ProductKey(id string) string {
	return "product:" + id
}

func ProductListKey(params map[string]interface{}) string {
	return Key("products", params)
}

func PricingKey(productID string) string {
	return "pricing:" + productID
}

// BundlePricingKey collides for any ordering of productIDs.
func BundlePricingKey(productIDs []string, params map[string]interface{}) string {
	merged := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["products"] = Unordered(productIDs)
	return Key("bundle", merged)
}

func InventoryKey(productID string) string {
	return "inventory:" + productID
}

func OrderKey(id string) string {
	return "order:" + id
}

func OrderListKey(userID string, params map[string]interface{}) string {
	return Key("orders:"+userID, params)
}

func CartKey(userID string) string {
	return "cart:" + userID
}

func CategoryKey(id string) string {
	return "category:" + id
}

func CategoryListKey(params map[string]interface{}) string {
	return Key("categories", params)
}

func UserKey(id string) string {
	return "user:" + id
}
