package sentinel

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// processHelloMessage digests one hello payload, whether it arrived over a
// monitored instance's pub/sub channel or as a PUBLISH straight to us:
//
//	ip,port,runid,current_epoch,master_name,master_ip,master_port,master_config_epoch
//
// It bootstraps peer discovery and propagates newer primary configurations.
func (s *Sentinel) processHelloMessage(payload string) {
	fields := strings.Split(payload, ",")
	if len(fields) != 8 {
		return
	}

	senderIP := fields[0]
	senderPort, err1 := strconv.Atoi(fields[1])
	senderRunID := fields[2]
	senderEpoch, err2 := strconv.ParseUint(fields[3], 10, 64)
	primaryName := fields[4]
	primaryIP := fields[5]
	primaryPort, err3 := strconv.Atoi(fields[6])
	primaryConfigEpoch, err4 := strconv.ParseUint(fields[7], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return
	}

	// Our own broadcasts come back to us; skip them.
	if senderRunID == s.myID {
		return
	}

	primary, ok := s.primaries[primaryName]
	if !ok {
		return
	}

	senderAddr, err := NewAddr(senderIP, senderPort, s.resolveHostnames, true)
	if err != nil {
		return
	}

	peer := s.lookupSentinel(primary, senderAddr, senderRunID)
	if peer == nil {
		// Not known under this exact (addr, runid). Either the peer moved,
		// or somebody else reuses its old address.
		switchedAddr := s.removeMatchingSentinel(primary, senderRunID)
		if switchedAddr {
			s.emitEvent(logrus.InfoLevel, "+sentinel-address-switch", primary,
				"%s ip %s port %d for %s", s.instanceDetails(primary), senderIP, senderPort, senderRunID)
		} else if other := s.lookupSentinel(primary, senderAddr, ""); other != nil {
			s.emitEvent(logrus.WarnLevel, "+sentinel-invalid-addr", other, "%@")
			s.releaseInstance(other)
			delete(primary.pri.sentinels, other.runID)
		}

		peer, err = s.newInstance(KindSentinel, senderRunID, senderIP, senderPort, 0, primary)
		if err != nil {
			return
		}
		s.emitEvent(logrus.InfoLevel, "+sentinel", peer, "%@")
		if switchedAddr {
			s.updateSentinelAddressInAllPrimaries(peer)
		}
		s.flushConfig()
	}

	if senderEpoch > s.currentEpoch {
		s.currentEpoch = senderEpoch
		s.flushConfig()
		s.emitEvent(logrus.WarnLevel, "+new-epoch", primary, "%d", s.currentEpoch)
	}

	// A newer configuration for this primary wins.
	if primary.configEpoch < primaryConfigEpoch {
		primary.configEpoch = primaryConfigEpoch
		s.flushConfig()

		if primary.addr.Port != primaryPort || !primary.addr.EqualHostname(primaryIP) {
			oldAddr := primary.addr.Dup()

			s.emitEvent(logrus.WarnLevel, "+config-update-from", peer, "%@")
			s.emitEvent(logrus.WarnLevel, "+switch-master", primary, "%s %s %d %s %d",
				primary.name, oldAddr.IP, oldAddr.Port, primaryIP, primaryPort)

			if err := s.resetPrimaryAndChangeAddress(primary, primaryIP, primaryPort); err != nil {
				return
			}
			s.callReconfigScript(primary, "observer", "start", oldAddr, primary.addr)
		}
	}
}

// removeMatchingSentinel drops from one primary the peer carrying runID at a
// different address. Returns whether something was removed.
func (s *Sentinel) removeMatchingSentinel(primary *Instance, runID string) bool {
	peer, ok := primary.pri.sentinels[runID]
	if !ok {
		return false
	}
	s.releaseInstance(peer)
	delete(primary.pri.sentinels, runID)
	return true
}

// updateSentinelAddressInAllPrimaries rewrites the address of every peer
// instance denoting the same physical sentinel as moved, reopening its link.
func (s *Sentinel) updateSentinelAddressInAllPrimaries(moved *Instance) {
	for _, primary := range s.primaries {
		peer, ok := primary.pri.sentinels[moved.runID]
		if !ok || peer == moved {
			continue
		}
		releaseLink(peer.link, peer)
		peer.link = newLink(s.now())
		peer.addr = moved.addr.Dup()
		s.tryShareLink(peer)
		s.emitEvent(logrus.InfoLevel, "+sentinel-address-update", peer, "%s %d additional matching instances", s.instanceDetails(peer), 1)
	}
	s.flushConfig()
}
