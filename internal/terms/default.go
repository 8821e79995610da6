package terms

// defaultRules is the rehabilitation-medicine vocabulary. Order matters:
// full readings come before partial ones so "りがくりょうほう" is not first
// split by a shorter rule.
var defaultRules = []Rule{
	// therapy
	{"りがくりょうほう", "理学療法"},
	{"りがく療法", "理学療法"},
	{"さぎょうりょうほう", "作業療法"},
	{"さぎょう療法", "作業療法"},
	{"ぶつりりょうほう", "物理療法"},
	{"ぶつり療法", "物理療法"},
	{"うんどうりょうほう", "運動療法"},
	{"うんどう療法", "運動療法"},

	// anatomy
	{"せんちょうかんせつ", "仙腸関節"},
	{"ようついぶんりしょう", "腰椎分離症"},
	{"けんこうこつ", "肩甲骨"},
	{"だいたいこつ", "大腿骨"},
	{"けいついこつ", "頸椎骨"},
	{"きょうつい", "胸椎"},
	{"ようつい", "腰椎"},

	// conditions
	{"へんけいせいしつかんせつしょう", "変形性膝関節症"},
	{"へんけいせいこかんせつしょう", "変形性股関節症"},
	{"かたかんせつしゅういえん", "肩関節周囲炎"},
	{"けんばんそんしょう", "腱板損傷"},
	{"おすぐっどびょう", "オスグッド病"},
	{"あしかんせつないはんねんざ", "足関節内反捻挫"},
	{"せきちゅうかんきょうさくしょう", "脊柱管狭窄症"},

	// assessment
	{"えむえむてぃー", "MMT"},
	{"ろむ", "ROM"},
	{"びーおーえす", "BOS"},
	{"しーおーじー", "COG"},
	{"えふあいえむ", "FIM"},

	// techniques
	{"ぴーえぬえふ", "PNF"},
	{"えむえふあーる", "MFR"},
	{"じぇーえむてぃー", "JMT"},
	{"えすえるあーる", "SLR"},

	// ligaments
	{"えーしーえる", "ACL"},
	{"ぴーしーえる", "PCL"},
	{"えむしーえる", "MCL"},
	{"えるしーえる", "LCL"},
}

// DefaultRules returns a copy of the built-in rule list.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// Default returns the built-in dictionary.
func Default() *Dictionary {
	return New(defaultRules)
}
