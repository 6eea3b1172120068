package device

// Court section table. The court is divided into a 5x5 grid, sec1 at the
// front-left through sec25 at the back-right. Values are the raw machine
// parameters (speed, horizontal angle, vertical angle, height) that land
// a serve in that section.
var areaTable = map[string]ShotParams{
	// front row: low speed, high arc
	"sec1": {Speed: 0x28, HorizontalAngle: 0x3C, VerticalAngle: 0x64, Height: 0x14},
	"sec2": {Speed: 0x28, HorizontalAngle: 0x50, VerticalAngle: 0x64, Height: 0x14},
	"sec3": {Speed: 0x28, HorizontalAngle: 0x64, VerticalAngle: 0x64, Height: 0x14},
	"sec4": {Speed: 0x28, HorizontalAngle: 0x78, VerticalAngle: 0x64, Height: 0x14},
	"sec5": {Speed: 0x28, HorizontalAngle: 0x8C, VerticalAngle: 0x64, Height: 0x14},

	"sec6":  {Speed: 0x32, HorizontalAngle: 0x3C, VerticalAngle: 0x5A, Height: 0x1E},
	"sec7":  {Speed: 0x32, HorizontalAngle: 0x50, VerticalAngle: 0x5A, Height: 0x1E},
	"sec8":  {Speed: 0x32, HorizontalAngle: 0x64, VerticalAngle: 0x5A, Height: 0x1E},
	"sec9":  {Speed: 0x32, HorizontalAngle: 0x78, VerticalAngle: 0x5A, Height: 0x1E},
	"sec10": {Speed: 0x32, HorizontalAngle: 0x8C, VerticalAngle: 0x5A, Height: 0x1E},

	// mid court: drive height
	"sec11": {Speed: 0x3C, HorizontalAngle: 0x3C, VerticalAngle: 0x46, Height: 0x28},
	"sec12": {Speed: 0x3C, HorizontalAngle: 0x50, VerticalAngle: 0x46, Height: 0x28},
	"sec13": {Speed: 0x3C, HorizontalAngle: 0x64, VerticalAngle: 0x46, Height: 0x28},
	"sec14": {Speed: 0x3C, HorizontalAngle: 0x78, VerticalAngle: 0x46, Height: 0x28},
	"sec15": {Speed: 0x3C, HorizontalAngle: 0x8C, VerticalAngle: 0x46, Height: 0x28},

	"sec16": {Speed: 0x46, HorizontalAngle: 0x3C, VerticalAngle: 0x3C, Height: 0x32},
	"sec17": {Speed: 0x46, HorizontalAngle: 0x50, VerticalAngle: 0x3C, Height: 0x32},
	"sec18": {Speed: 0x46, HorizontalAngle: 0x64, VerticalAngle: 0x3C, Height: 0x32},
	"sec19": {Speed: 0x46, HorizontalAngle: 0x78, VerticalAngle: 0x3C, Height: 0x32},
	"sec20": {Speed: 0x46, HorizontalAngle: 0x8C, VerticalAngle: 0x3C, Height: 0x32},

	// back row: flat and fast
	"sec21": {Speed: 0x50, HorizontalAngle: 0x3C, VerticalAngle: 0x32, Height: 0x3C},
	"sec22": {Speed: 0x50, HorizontalAngle: 0x50, VerticalAngle: 0x32, Height: 0x3C},
	"sec23": {Speed: 0x50, HorizontalAngle: 0x64, VerticalAngle: 0x32, Height: 0x3C},
	"sec24": {Speed: 0x50, HorizontalAngle: 0x78, VerticalAngle: 0x32, Height: 0x3C},
	"sec25": {Speed: 0x50, HorizontalAngle: 0x8C, VerticalAngle: 0x32, Height: 0x3C},
}

// LookupArea resolves a court section to its machine parameters.
func LookupArea(section string) (ShotParams, bool) {
	p, ok := areaTable[section]
	if !ok {
		return ShotParams{}, false
	}
	p.Area = section
	return p, true
}
