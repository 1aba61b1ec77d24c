package directive

import "strings"

// Category groups products that share plausible everyday scenes
type Category string

const (
	Alcohol     Category = "alcohol"
	Skincare    Category = "skincare"
	Electronics Category = "electronics"
	Snack       Category = "snack"
	Generic     Category = "generic"
)

// Categories in match priority order; Generic is the fallback
var Categories = []Category{Alcohol, Skincare, Electronics, Snack, Generic}

var keywords = map[Category][]string{
	Alcohol:     {"酒", "啤酒", "红酒", "白酒", "威士忌", "伏特加", "香槟", "鸡尾酒", "wine", "beer", "whisky", "whiskey", "vodka", "champagne", "cocktail"},
	Skincare:    {"面膜", "精华", "水乳", "防晒", "口红", "粉底", "护肤", "香水", "洁面", "卸妆", "serum", "lotion", "sunscreen", "lipstick", "perfume", "skincare", "cleanser"},
	Electronics: {"电脑", "键盘", "鼠标", "耳机", "相机", "镜头", "手机", "充电", "路由器", "laptop", "keyboard", "mouse", "headphone", "camera", "lens", "phone", "charger", "router"},
	Snack:       {"零食", "饮料", "咖啡", "茶", "酸奶", "饼干", "巧克力", "泡面", "速食", "snack", "drink", "coffee", "tea", "yogurt", "cookie", "chocolate", "noodle"},
}

// Scene pools avoid settings that would be odd for the category
var scenes = map[Category][]string{
	Alcohol: {
		"a home dining table",
		"a living room coffee table",
		"a kitchen counter while preparing a meal",
		"the corner of a friend's party table",
		"a home bar cabinet",
	},
	Skincare: {
		"a vanity table",
		"a bathroom sink counter",
		"a desk by the window in natural light",
		"a bedside table",
		"the corner of a tidy study desk",
	},
	Electronics: {
		"a study desk",
		"a desk by the window in natural light",
		"a cafe table by the window",
		"a living room TV stand next to a bookshelf",
		"a bedside table",
	},
	Snack: {
		"a kitchen counter",
		"a dining table",
		"a desk by the window in natural light",
		"an office pantry counter",
		"a living room coffee table",
	},
	Generic: {
		"a desk by the window in natural light",
		"a study desk",
		"a living room coffee table",
		"a kitchen counter",
		"a bedside table",
	},
}

// ParseCategory maps free text from a classifier onto a known category
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if strings.Contains(s, string(c)) {
			return c
		}
	}
	return Generic
}

// MatchCategory picks the first category with a keyword in text
func MatchCategory(text string) Category {
	text = strings.ToLower(text)
	for _, c := range Categories {
		for _, k := range keywords[c] {
			if strings.Contains(text, k) {
				return c
			}
		}
	}
	return Generic
}
