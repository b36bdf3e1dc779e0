// Package conv 提供缓存字段与弱类型值的容错转换。
// 所有函数在无法转换时返回 ok=false，而不是 panic 或错误，调用方据此跳过该字段。
package conv

import (
	"math"
	"strconv"
	"strings"
)

// ToFloat64 将常见数值类型或数字字符串转换为 float64。NaN/Inf 视为无效。
func ToFloat64(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	case []byte:
		return ToFloat64(string(x))
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToInt64 将整数类型或十进制字符串转换为 int64。
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case []byte:
		return ToInt64(string(x))
	default:
		return 0, false
	}
}

// ParseIDs 解析字符串 ID 列表，返回成功解析的 ID 和被跳过的原始值。
func ParseIDs(raw []string) (ids []int64, skipped []string) {
	ids = make([]int64, 0, len(raw))
	for _, s := range raw {
		id, ok := ToInt64(s)
		if !ok {
			skipped = append(skipped, s)
			continue
		}
		ids = append(ids, id)
	}
	return ids, skipped
}

// FormatID 把物品 ID 转为缓存成员字符串
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ConvertSlice 转换切片中的每个元素，转换失败的元素被丢弃。
func ConvertSlice[T, U any](s []T, convert func(T) (U, bool)) []U {
	out := make([]U, 0, len(s))
	for _, v := range s {
		if u, ok := convert(v); ok {
			out = append(out, u)
		}
	}
	return out
}
