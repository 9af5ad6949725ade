package bridge

// Topics derives every bus topic from root path.
type Topics struct{ root string }

func NewTopics(root string) Topics { return Topics{root: root} }

func (t Topics) Root() string            { return t.root }
func (t Topics) Status() string          { return t.root + "/Info/Status" }
func (t Topics) Tare() string            { return t.root + "/Tare" }
func (t Topics) Disconnect() string      { return t.root + "/Disconnect" }
func (t Topics) DataAll() string         { return t.root + "/Data/All" }
func (t Topics) DataPressure() string    { return t.root + "/Data/Pressure" }
func (t Topics) DataTemperature() string { return t.root + "/Data/Temperature" }
func (t Topics) DataFlow() string        { return t.root + "/Data/Flow" }

const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)
