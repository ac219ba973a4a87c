package testutil

import (
	"encoding/json"
	"testing"

	"gorm.io/datatypes"
)

// MetadataInt 读取流水 metadata 中的整数字段（数据库读回后为 json.Number）
func MetadataInt(t *testing.T, meta datatypes.JSONMap, key string) int64 {
	t.Helper()

	switch v := meta[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			t.Fatalf("metadata %q is not an integer: %v", key, err)
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		t.Fatalf("metadata %q has unexpected type %T", key, v)
		return 0
	}
}
