package agent

import "math/rand"

// Per-academy name pools. Generated names are two to three code
// points, well under the six code point bound.
var (
	shengmenSurnames  = []rune("林蕭慕白雲葉")
	xuanyanSurnames   = []rune("石崖鐵岳洪")
	fenghuangSurnames = []rune("鳳朱炎霞紅")
	givenNames        = []rune("風雲龍虎劍影月星霜雪嵐嘯")
)

// RandomName produces a display name in the academy's style. rng may
// be nil.
func RandomName(academy int, rng *rand.Rand) string {
	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}

	var surnames []rune
	switch academy {
	case AcademyXuanyan:
		surnames = xuanyanSurnames
	case AcademyFenghuang:
		surnames = fenghuangSurnames
	default:
		surnames = shengmenSurnames
	}

	name := []rune{surnames[intn(len(surnames))], givenNames[intn(len(givenNames))]}
	if intn(2) == 0 {
		name = append(name, givenNames[intn(len(givenNames))])
	}
	return string(name)
}
