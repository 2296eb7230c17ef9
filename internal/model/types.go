package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringArray 字符串数组类型，用于存储 JSON 数组
type StringArray []string

// Scan 实现 sql.Scanner 接口
func (s *StringArray) Scan(value interface{}) error {
	return scanJSONArray(value, s)
}

// Value 实现 driver.Valuer 接口
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains 是否包含指定值
func (s StringArray) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// UintArray 无符号整数数组，用于存储集群ID列表
type UintArray []uint

// Scan 实现 sql.Scanner 接口
func (u *UintArray) Scan(value interface{}) error {
	return scanJSONArray(value, u)
}

// Value 实现 driver.Valuer 接口
func (u UintArray) Value() (driver.Value, error) {
	if len(u) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// scanJSONArray mysql 返回 []byte，sqlite 的 TEXT 列返回 string
func scanJSONArray(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return json.Unmarshal([]byte("[]"), dst)
	case []byte:
		if len(v) == 0 {
			return json.Unmarshal([]byte("[]"), dst)
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return json.Unmarshal([]byte("[]"), dst)
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json array value type %T", value)
	}
}

// DecodeJSON 将任意 JSON 兼容值解码到目标结构
// 用于读取 flow.details 等 JSONMap 字段中的嵌套结构
func DecodeJSON(src interface{}, dst interface{}) error {
	if src == nil {
		return nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
