package testutils

import (
	"github.com/intel/power-optimization-library/pkg/power"
	"github.com/stretchr/testify/mock"
)

type MockHost struct {
	mock.Mock
	power.Host
}

func (m *MockHost) Topology() power.Topology {
	return m.Called().Get(0).(power.Topology)
}

func (m *MockHost) GetName() string {
	return m.Called().String(0)
}

func (m *MockHost) GetAllCpus() *power.CpuList {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	}
	return ret.(*power.CpuList)
}

type MockCPU struct {
	mock.Mock
	power.Cpu
}

func (m *MockCPU) GetID() uint {
	return m.Called().Get(0).(uint)
}

func MakeCPUList(mockedCPUs ...*MockCPU) power.CpuList {
	cpuList := power.CpuList{}
	for _, mockedCPU := range mockedCPUs {
		cpuList = append(cpuList, mockedCPU)
	}

	return cpuList
}

type MockTopology struct {
	mock.Mock
	power.Topology
}

func (m *MockTopology) SetUncore(uncore power.Uncore) error {
	return m.Called(uncore).Error(0)
}

// MockUncore stands in for an uncore range; Name tells instances apart.
type MockUncore struct {
	power.Uncore
	Name string
}

// NewMockHost builds a host whose online CPUs are exactly cpus.
func NewMockHost(cpus ...uint) (*MockHost, *MockTopology) {
	host := new(MockHost)
	top := new(MockTopology)

	mockedCPUs := make([]*MockCPU, 0, len(cpus))
	for _, id := range cpus {
		cpu := new(MockCPU)
		cpu.On("GetID").Return(id)
		mockedCPUs = append(mockedCPUs, cpu)
	}
	cpuList := MakeCPUList(mockedCPUs...)

	host.On("GetAllCpus").Return(&cpuList)
	host.On("Topology").Return(top)
	return host, top
}
