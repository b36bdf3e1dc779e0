package core

import (
	"slices"
	"strconv"
	"strings"
)

// UserStaticProfile 是用户持久化的静态画像（技能、兴趣标签），变化较少。
//
// 它与动态画像（profile.DynamicStore）的区别：
//
//	维度        静态画像                动态画像
//	来源        用户主动填写            浏览/收藏/申请行为
//	生命周期    持久化                  7 天滚动过期、按概率衰减
//	用途        规则召回 + 查询向量      规则召回（活跃标签）
type UserStaticProfile struct {
	UserID         string
	SkillTagIDs    []int64
	InterestTagIDs []int64

	// TagNames 可选：标签 ID → 名称，用于生成画像文本
	TagNames map[int64]string
}

// IsEmpty 是否没有任何静态标签
func (p *UserStaticProfile) IsEmpty() bool {
	return p == nil || (len(p.SkillTagIDs) == 0 && len(p.InterestTagIDs) == 0)
}

// Text 把静态画像序列化为用于 Embedding 的文本。
// 为空画像返回空字符串（调用方据此跳过静态向量）。
func (p *UserStaticProfile) Text() string {
	if p.IsEmpty() {
		return ""
	}
	var b strings.Builder
	write := func(prefix string, ids []int64) {
		if len(ids) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(prefix)
		for i, id := range ids {
			if i > 0 {
				b.WriteString(", ")
			}
			if name, ok := p.TagNames[id]; ok && name != "" {
				b.WriteString(name)
			} else {
				b.WriteString(strconv.FormatInt(id, 10))
			}
		}
	}
	write("skills: ", p.SkillTagIDs)
	write("interests: ", p.InterestTagIDs)
	return b.String()
}

// TagKind 标签类型
type TagKind string

const (
	TagKindInterest TagKind = "interest"
	TagKindSkill    TagKind = "skill"
)

// TagKey 是动态画像 Hash 的字段，格式 "<kind>:<id>"
type TagKey struct {
	Kind TagKind
	ID   int64
}

func (k TagKey) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.ID, 10)
}

// ParseTagKey 解析 "<kind>:<id>"，格式不合法时返回 MALFORMED_INPUT。
func ParseTagKey(s string) (TagKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return TagKey{}, MalformedInput(ModuleProfile, "tag key without kind: "+s)
	}
	switch TagKind(kind) {
	case TagKindInterest, TagKindSkill:
	default:
		return TagKey{}, MalformedInput(ModuleProfile, "unknown tag kind: "+s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return TagKey{}, MalformedInput(ModuleProfile, "non-numeric tag id: "+s)
	}
	return TagKey{Kind: TagKind(kind), ID: n}, nil
}

// ActiveTags 是用户当前有效的兴趣/技能标签（已排序、去重）
type ActiveTags struct {
	Interest []int64
	Skill    []int64
}

// IsEmpty 是否没有任何标签
func (t ActiveTags) IsEmpty() bool {
	return len(t.Interest) == 0 && len(t.Skill) == 0
}

// Union 合并两组标签并去重
func (t ActiveTags) Union(o ActiveTags) ActiveTags {
	return ActiveTags{
		Interest: unionIDs(t.Interest, o.Interest),
		Skill:    unionIDs(t.Skill, o.Skill),
	}
}

// StaticTags 把静态画像转换为 ActiveTags
func (p *UserStaticProfile) StaticTags() ActiveTags {
	if p == nil {
		return ActiveTags{}
	}
	return ActiveTags{
		Interest: unionIDs(p.InterestTagIDs, nil),
		Skill:    unionIDs(p.SkillTagIDs, nil),
	}
}

func unionIDs(a, b []int64) []int64 {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]int64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
