package agent

// Skill is one entry of a department's catalog. Damage and formulas
// belong to the game servers; the core only needs the mp cost to gate
// use_skill commands.
type Skill struct {
	ID       string
	Name     string
	MPCost   int
	Cooldown int // seconds
}

var skillCatalog = map[int][]Skill{
	DepartmentSword: {
		{ID: "sword_slash", Name: "斬", MPCost: 10, Cooldown: 1},
		{ID: "sword_dance", Name: "劍舞", MPCost: 35, Cooldown: 8},
		{ID: "sword_storm", Name: "劍嵐", MPCost: 60, Cooldown: 20},
	},
	DepartmentBow: {
		{ID: "bow_shot", Name: "射", MPCost: 8, Cooldown: 1},
		{ID: "bow_volley", Name: "箭雨", MPCost: 40, Cooldown: 10},
		{ID: "bow_pierce", Name: "貫穿", MPCost: 55, Cooldown: 15},
	},
	DepartmentMartial: {
		{ID: "fist_strike", Name: "拳", MPCost: 5, Cooldown: 1},
		{ID: "fist_combo", Name: "連擊", MPCost: 30, Cooldown: 6},
		{ID: "fist_fury", Name: "狂怒", MPCost: 65, Cooldown: 25},
	},
	DepartmentQigong: {
		{ID: "qi_bolt", Name: "氣彈", MPCost: 15, Cooldown: 2},
		{ID: "qi_heal", Name: "回氣", MPCost: 45, Cooldown: 12},
		{ID: "qi_burst", Name: "爆氣", MPCost: 70, Cooldown: 30},
	},
}

// Skills returns the catalog of a department; nil for an unknown one.
func Skills(department int) []Skill {
	return skillCatalog[department]
}

// FindSkill looks a skill up across all departments.
func FindSkill(skillID string) (Skill, bool) {
	for _, skills := range skillCatalog {
		for _, s := range skills {
			if s.ID == skillID {
				return s, true
			}
		}
	}
	return Skill{}, false
}

// DefaultSkillCost is the gate applied to skills outside the catalog;
// game servers own the real formulas.
const DefaultSkillCost = 40
