package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/protocol/ascii"
	"github.com/srg/rvlink/internal/protocol/bus"
	"github.com/srg/rvlink/internal/protocol/jsonctl"
	"github.com/srg/rvlink/internal/testutils"
	"github.com/srg/rvlink/pkg/config"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

// CommandTestSuite resets the package-level flag variables between tests,
// since cobra binds flags to globals.
type CommandTestSuite struct {
	suite.Suite
	dir    string
	source *testutils.FakeScanner
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()

	keygenStage = "unlock"
	keygenChallenge = ""
	keygenConstant = ""
	keygenPIN = ""

	cachePath = ""
	cacheConfigPath = ""
	cacheClearAll = false
	cacheNoColor = false

	scanDuration = 10 * time.Millisecond
	scanFormat = "table"
	scanKnown = false
	s.source = &testutils.FakeScanner{Advertisements: []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("24:DC:C3:00:00:01").WithName("RV Gateway").
			WithRSSI(-52).WithServices(bus.ServiceUUID).Build(),
		testutils.NewAdvertisementBuilder().WithAddress("24:DC:C3:00:00:03").WithRSSI(-71).
			WithServices("ffe0").Build(),
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithName("Headphones").
			WithRSSI(-60).WithServices("180f").Build(),
	}}
	newScanSource = func(*logrus.Logger) device.Scanner { return s.source }
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (s *CommandTestSuite) seedCache() string {
	path := filepath.Join(s.dir, "names.yaml")
	cache, err := entity.OpenNameCache(path)
	s.Require().NoError(err)

	busID, err := device.NewIdentity("24:dc:c3:00:00:01", device.FamilyBus)
	s.Require().NoError(err)
	otherID, err := device.NewIdentity("24:dc:c3:00:00:09", device.FamilyBus)
	s.Require().NoError(err)

	for key, name := range map[entity.Key]string{
		{Table: 3, ID: 10}: "Water Pump 2",
		{Table: 3, ID: 7}:  "Ceiling Light",
	} {
		_, err := cache.Set(busID, key, name)
		s.Require().NoError(err)
	}
	_, err = cache.Set(otherID, entity.Key{Table: 1, ID: 1}, "Slide")
	s.Require().NoError(err)
	return path
}

func (s *CommandTestSuite) TestKeygenUnlock() {
	// GOAL: Verify keygen prints the documented unlock key for a captured challenge
	//
	// TEST SCENARIO: Challenge 01020304 with the default constant → "48 4D B5 03"

	out, err := s.ExecuteCommand(rootCmd, "keygen", "--stage", "unlock", "--challenge", "01020304")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "48 4D B5 03")
}

func (s *CommandTestSuite) TestKeygenSession() {
	out, err := s.ExecuteCommand(rootCmd, "keygen", "--stage", "session", "--challenge", "A1 B2 C3 D4", "--pin", "123456")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "FD 08 56 47 31 32 33 34 35 36 00 00 00 00 00 00")
}

func (s *CommandTestSuite) TestKeygenRejectsBadInput() {
	_, err := s.ExecuteCommand(rootCmd, "keygen", "--stage", "session", "--challenge", "A1B2C3D4")
	s.Assert().ErrorContains(err, "--pin is required")

	_, err = s.ExecuteCommand(rootCmd, "keygen", "--stage", "unlock", "--challenge", "zz")
	s.Assert().ErrorContains(err, "invalid challenge")

	_, err = s.ExecuteCommand(rootCmd, "keygen", "--stage", "unlock", "--challenge", "010203")
	s.Assert().Error(err, "short challenge MUST be rejected")
}

func (s *CommandTestSuite) TestCacheListOrdersKeysNumerically() {
	// GOAL: Verify cache list groups names per peripheral and sorts entity keys by number
	//
	// TEST SCENARIO: Cache seeded with two peripherals → list one by bare address → 3/7 before 3/10

	path := s.seedCache()

	out, err := s.ExecuteCommand(rootCmd, "cache", "list", "--cache", path, "24:DC:C3:00:00:01")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
bus/24:DC:C3:00:00:01
  3/7   Ceiling Light
  3/10  Water Pump 2
`)
}

func (s *CommandTestSuite) TestCacheClearOnePeripheral() {
	path := s.seedCache()

	out, err := s.ExecuteCommand(rootCmd, "cache", "clear", "--cache", path, "bus/24:dc:c3:00:00:09")
	s.Require().NoError(err)
	s.Assert().Contains(out, "Cleared cached names for bus/24:DC:C3:00:00:09")

	cache, err := entity.OpenNameCache(path)
	s.Require().NoError(err)
	s.Assert().Equal([]string{"bus/24:DC:C3:00:00:01"}, cache.Identities(), "other peripherals MUST survive")

	_, err = s.ExecuteCommand(rootCmd, "cache", "clear", "--cache", path)
	s.Assert().Error(err, "clear without a target or --all MUST fail")
}

func (s *CommandTestSuite) TestCacheListEmpty() {
	path := filepath.Join(s.dir, "missing.yaml")
	out, err := s.ExecuteCommand(rootCmd, "cache", "list", "--cache", path)
	s.Require().NoError(err)
	s.Assert().Contains(out, "No cached names")
	_, statErr := os.Stat(path)
	s.Assert().True(os.IsNotExist(statErr), "listing MUST NOT create the cache file")
}

func (s *CommandTestSuite) TestBuildPeripheralsPerFamily() {
	// GOAL: Verify configured peripherals map onto the right family protocols with fresh instances per connection
	//
	// TEST SCENARIO: bus, jsonctl and ascii entries → three peripherals, protocol family matches, factories never share state

	cfg := config.DefaultConfig()
	cfg.Peripherals = []config.PeripheralConfig{
		{Address: "24:dc:c3:00:00:01", Family: "bus", PIN: "123456", UnlockConstant: "0x11223344"},
		{Address: "24:dc:c3:00:00:02", Family: "jsonctl", Password: "pw", Zones: []int{1, 2}},
		{Address: "24:dc:c3:00:00:03", Family: "ascii"},
	}
	cfg.ApplyDefaults()
	s.Require().NoError(cfg.Validate())

	peripherals, err := buildPeripherals(cfg)
	s.Require().NoError(err)
	s.Require().Len(peripherals, 3)

	s.Assert().IsType(&bus.Protocol{}, peripherals[0].NewProtocol())
	s.Assert().IsType(&jsonctl.Protocol{}, peripherals[1].NewProtocol())
	s.Assert().IsType(&ascii.Protocol{}, peripherals[2].NewProtocol())
	for _, p := range peripherals {
		s.Assert().Equal(p.Identity.Family, p.NewProtocol().Family())
		s.Assert().NotSame(p.NewProtocol(), p.NewProtocol(), "each connection MUST get a fresh protocol")
		s.Assert().Equal(185, p.MTU)
	}

	_, err = buildPeripherals(config.DefaultConfig())
	s.Assert().ErrorIs(err, ErrNoPeripherals)
}

func (s *CommandTestSuite) TestFormatUserError() {
	s.Assert().Contains(FormatUserError(&device.AuthError{Stage: "password"}), "check pin / password")
	s.Assert().Contains(FormatUserError(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{"ffe1"}}),
		"characteristic overrides")
	s.Assert().Equal("boom", FormatUserError(errString("boom")))
}

func (s *CommandTestSuite) TestScanTable() {
	// GOAL: Verify scan lists every peripheral strongest first with its inferred family
	//
	// TEST SCENARIO: Bus gateway, ascii monitor, unrelated device → three rows, unrelated family shown as "-"

	out, err := s.ExecuteCommand(rootCmd, "scan")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
ADDRESS            FAMILY  RSSI  NAME
24:DC:C3:00:00:01  bus     -52   RV Gateway
AA:BB:CC:DD:EE:FF  -       -60   Headphones
24:DC:C3:00:00:03  ascii   -71
`)
	s.Assert().Equal(1, s.source.Scans())
}

func (s *CommandTestSuite) TestScanYAMLIsConfigReady() {
	out, err := s.ExecuteCommand(rootCmd, "scan", "--format", "yaml")
	s.Require().NoError(err)

	var doc struct {
		Peripherals []config.PeripheralConfig `yaml:"peripherals"`
	}
	s.Require().NoError(yaml.Unmarshal([]byte(out), &doc), "output MUST parse as a config fragment")
	s.Require().Len(doc.Peripherals, 2, "unrecognized peripherals MUST be left out")
	s.Assert().Equal("24:DC:C3:00:00:01", doc.Peripherals[0].Address)
	s.Assert().Equal("bus", doc.Peripherals[0].Family)
	s.Assert().Equal("RV Gateway", doc.Peripherals[0].Name)
	s.Assert().Equal("ascii", doc.Peripherals[1].Family)
}

func (s *CommandTestSuite) TestScanRejectsBadFlags() {
	_, err := s.ExecuteCommand(rootCmd, "scan", "--format", "json")
	s.Assert().ErrorContains(err, "invalid format")
	s.Assert().Zero(s.source.Scans(), "invalid flags MUST NOT start a scan")
}

type errString string

func (e errString) Error() string { return string(e) }

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
