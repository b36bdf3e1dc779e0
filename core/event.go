package core

import "time"

// EventType 行为事件类型
type EventType string

const (
	EventView     EventType = "view"
	EventFavorite EventType = "favorite"
	EventApply    EventType = "apply"
)

// DefaultItemType 是需求物品在浏览历史中的类型
const DefaultItemType = "requirement"

// Valid 是否为已知事件类型
func (t EventType) Valid() bool {
	switch t {
	case EventView, EventFavorite, EventApply:
		return true
	}
	return false
}

// Weight 返回事件对某类标签的画像增量。
// 技能标签在普通浏览时只累积一半，收藏/申请与兴趣标签相同。
func (t EventType) Weight(kind TagKind) float64 {
	switch t {
	case EventView:
		if kind == TagKindSkill {
			return 0.5
		}
		return 1.0
	case EventFavorite:
		return 3.0
	case EventApply:
		return 5.0
	}
	return 0
}

// Event 是一条用户行为事件
type Event struct {
	Actor    Actor
	ItemID   int64
	ItemType string
	Type     EventType
	At       time.Time
}
