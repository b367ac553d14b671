package keymap

// Keycodes are evdev codes as delivered by clients.

func init() {
	us := map[uint32][2]uint32{
		1:  {0xff1b, 0xff1b}, // Escape
		2:  {'1', '!'},
		3:  {'2', '@'},
		4:  {'3', '#'},
		5:  {'4', '$'},
		6:  {'5', '%'},
		7:  {'6', '^'},
		8:  {'7', '&'},
		9:  {'8', '*'},
		10: {'9', '('},
		11: {'0', ')'},
		12: {'-', '_'},
		13: {'=', '+'},
		14: {0xff08, 0xff08}, // BackSpace
		15: {0xff09, 0xfe20}, // Tab, ISO_Left_Tab
		16: {'q', 'Q'},
		17: {'w', 'W'},
		18: {'e', 'E'},
		19: {'r', 'R'},
		20: {'t', 'T'},
		21: {'y', 'Y'},
		22: {'u', 'U'},
		23: {'i', 'I'},
		24: {'o', 'O'},
		25: {'p', 'P'},
		26: {'[', '{'},
		27: {']', '}'},
		28: {0xff0d, 0xff0d}, // Return
		30: {'a', 'A'},
		31: {'s', 'S'},
		32: {'d', 'D'},
		33: {'f', 'F'},
		34: {'g', 'G'},
		35: {'h', 'H'},
		36: {'j', 'J'},
		37: {'k', 'K'},
		38: {'l', 'L'},
		39: {';', ':'},
		40: {'\'', '"'},
		41: {'`', '~'},
		43: {'\\', '|'},
		44: {'z', 'Z'},
		45: {'x', 'X'},
		46: {'c', 'C'},
		47: {'v', 'V'},
		48: {'b', 'B'},
		49: {'n', 'N'},
		50: {'m', 'M'},
		51: {',', '<'},
		52: {'.', '>'},
		53: {'/', '?'},
		57: {' ', ' '},
	}
	Register(&Table{Name: "us", levels: us})

	de := make(map[uint32][2]uint32, len(us))
	for k, v := range us {
		de[k] = v
	}
	de[21] = [2]uint32{'z', 'Z'}
	de[44] = [2]uint32{'y', 'Y'}
	de[3] = [2]uint32{'2', '"'}
	de[7] = [2]uint32{'6', '&'}
	de[8] = [2]uint32{'7', '/'}
	de[9] = [2]uint32{'8', '('}
	de[10] = [2]uint32{'9', ')'}
	de[11] = [2]uint32{'0', '='}
	de[39] = [2]uint32{0xf6, 0xd6} // odiaeresis
	de[40] = [2]uint32{0xe4, 0xc4} // adiaeresis
	de[26] = [2]uint32{0xfc, 0xdc} // udiaeresis
	Register(&Table{Name: "de", levels: de})
}
